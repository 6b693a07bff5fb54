package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/edvin/dbvault/internal/protocol"
)

// Drive stores artifacts in a Google Drive folder of the user who granted
// the refresh token. Keys are Drive file ids.
type Drive struct {
	files    *drive.FilesService
	folderID string
	logger   zerolog.Logger
}

// NewDrive authorises with the descriptor's refresh token. The OAuth client
// comes from the descriptor, falling back to fallback when the control plane
// passed none.
func NewDrive(ctx context.Context, d protocol.Storage, fallback GoogleCredentials, logger zerolog.Logger, extra ...option.ClientOption) (*Drive, error) {
	if d.RefreshToken == "" {
		return nil, errors.New("google drive storage: refresh token is required")
	}
	creds := driveCredentials(d, fallback)
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, errors.New("google drive storage: no OAuth client configured")
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: d.RefreshToken})

	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, extra...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return &Drive{
		files:    srv.Files,
		folderID: d.FolderID,
		logger:   logger.With().Str("component", "drive-store").Logger(),
	}, nil
}

func (s *Drive) Type() string { return protocol.StorageGoogleDrive }

// Upload sends r as a resumable upload in PartSize chunks into the
// configured folder, or the Drive root. folder is not used; Drive files are
// addressed by id.
func (s *Drive) Upload(ctx context.Context, _, file string, r io.Reader) (Object, error) {
	meta := &drive.File{Name: file}
	if s.folderID != "" {
		meta.Parents = []string{s.folderID}
	}
	body := &countingReader{r: r}

	f, err := s.files.Create(meta).
		Media(body, googleapi.ChunkSize(PartSize), googleapi.ContentType("application/octet-stream")).
		Fields("id", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return Object{}, fmt.Errorf("upload %s to drive: %w", file, err)
	}

	s.logger.Info().Str("file_id", f.Id).Int64("bytes", body.n).Msg("uploaded backup")
	return Object{Key: f.Id, URL: f.WebViewLink, Size: body.n}, nil
}

func (s *Drive) Download(ctx context.Context, key string, w io.Writer) error {
	id := driveFileID(key)
	resp, err := s.files.Get(id).Context(ctx).Download()
	if err != nil {
		if isDriveNotFound(err) {
			return fmt.Errorf("download drive file %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("download drive file %s: %w", id, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download drive file %s: %w", id, err)
	}
	return nil
}

func (s *Drive) Exists(ctx context.Context, key string) (bool, error) {
	id := driveFileID(key)
	_, err := s.files.Get(id).Fields("id").Context(ctx).Do()
	if err != nil {
		if isDriveNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat drive file %s: %w", id, err)
	}
	return true, nil
}

func (s *Drive) Delete(ctx context.Context, key string) error {
	id := driveFileID(key)
	if err := s.files.Delete(id).Context(ctx).Do(); err != nil && !isDriveNotFound(err) {
		return fmt.Errorf("delete drive file %s: %w", id, err)
	}
	s.logger.Info().Str("file_id", id).Msg("deleted backup")
	return nil
}

func isDriveNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func driveCredentials(d protocol.Storage, fallback GoogleCredentials) GoogleCredentials {
	if d.GoogleClientID != "" {
		return GoogleCredentials{ClientID: d.GoogleClientID, ClientSecret: d.GoogleClientSecret, RedirectURI: d.GoogleRedirectURI}
	}
	return fallback
}

var driveShareLink = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// driveFileID accepts a file id or a share link and returns the id.
func driveFileID(key string) string {
	if m := driveShareLink.FindStringSubmatch(key); m != nil {
		return m[1]
	}
	return key
}
