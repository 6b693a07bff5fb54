package connector

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

// MongoConnector dumps with mongodump into a gzip archive and restores it
// with mongorestore. The password is handed to the tools through a
// temporary --config file.
type MongoConnector struct {
	cfg    Config
	run    runner
	logger zerolog.Logger
}

func (c *MongoConnector) Engine() string    { return MongoDB }
func (c *MongoConnector) Extension() string { return ".archive" }

func (c *MongoConnector) Test(ctx context.Context) (string, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Disconnect(context.Background())

	var info struct {
		Version string `bson:"version"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return "", fmt.Errorf("query mongodb buildInfo: %w", err)
	}
	return info.Version, nil
}

func (c *MongoConnector) Dump(ctx context.Context, path string) error {
	args := append(c.connArgs(), "--db="+c.cfg.Database, "--gzip", "--archive="+path)
	return c.withConfig(func(cfgArgs []string) error {
		return c.run.run(ctx, invocation{name: "mongodump", args: append(args, cfgArgs...)})
	})
}

func (c *MongoConnector) Restore(ctx context.Context, path string) error {
	return c.restore(ctx, c.restoreArgs(path, ""))
}

// VerifyDump replays the archive with --dryRun, which parses every entry
// without writing to the server.
func (c *MongoConnector) VerifyDump(ctx context.Context, path string) (string, error) {
	args := append(c.restoreArgs(path, ""), "--dryRun")
	if err := c.restore(ctx, args); err != nil {
		return "", err
	}
	return "Archive readable by mongorestore (dry run)", nil
}

// CreateScratch is a no-op; MongoDB creates databases on first write.
func (c *MongoConnector) CreateScratch(context.Context, string) error { return nil }

func (c *MongoConnector) RestoreInto(ctx context.Context, name, path string) error {
	return c.restore(ctx, c.restoreArgs(path, name))
}

func (c *MongoConnector) DropScratch(ctx context.Context, name string) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())
	if err := client.Database(name).Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

func (c *MongoConnector) restore(ctx context.Context, args []string) error {
	return c.withConfig(func(cfgArgs []string) error {
		return c.run.run(ctx, invocation{name: "mongorestore", args: append(args, cfgArgs...)})
	})
}

// restoreArgs restores the source database's namespaces, renamed into
// target when it is set.
func (c *MongoConnector) restoreArgs(path, target string) []string {
	args := append(c.connArgs(),
		"--gzip",
		"--archive="+path,
		"--drop",
		"--nsInclude="+c.cfg.Database+".*",
	)
	if target != "" {
		args = append(args, "--nsFrom="+c.cfg.Database+".*", "--nsTo="+target+".*")
	}
	return args
}

func (c *MongoConnector) connArgs() []string {
	args := []string{"--host=" + c.cfg.Host, "--port=" + strconv.Itoa(c.cfg.Port)}
	if c.cfg.Username != "" {
		args = append(args, "--username="+c.cfg.Username)
	}
	return args
}

// withConfig writes the password to a private YAML config file for the
// duration of fn.
func (c *MongoConnector) withConfig(fn func(cfgArgs []string) error) error {
	if c.cfg.Password == "" {
		return fn(nil)
	}
	data, err := yaml.Marshal(map[string]string{"password": c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode mongo tool config: %w", err)
	}
	f, err := os.CreateTemp("", "dbvault-mongo-*.yaml")
	if err != nil {
		return fmt.Errorf("create mongo tool config: %w", err)
	}
	defer os.Remove(f.Name())
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod mongo tool config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write mongo tool config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close mongo tool config: %w", err)
	}
	return fn([]string{"--config=" + f.Name()})
}

func (c *MongoConnector) uri() string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:   "/" + c.cfg.Database,
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	return u.String()
}

func (c *MongoConnector) connect(ctx context.Context) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(c.uri()).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	return client, nil
}
