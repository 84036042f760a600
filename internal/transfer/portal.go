package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/report"
	"github.com/irisfeed/aida/internal/snapshot"
)

// ProtocolVersion is the portal protocol version this agent speaks.
const ProtocolVersion = "1.1"

const updatePath = "/feed/update.php"

// Portal actions.
const (
	ActionHandshake     = "handshake"
	ActionListFiles     = "listFiles"
	ActionSendFile      = "sendFile"
	ActionSendOverrides = "sendOverrideParameters"
	ActionReceiveFile   = "receiveFile"
	ActionSyncPassword  = "syncPassword"
	ActionFinish        = "finishConnection"
)

// Response headers.
const (
	headerAuthenticated  = "Authenticated"
	headerRunReport      = "Run-Report"
	headerVersion        = "Version"
	headerClientPassword = "Client-Password"
	headerIncremental    = "Incremental"
	headerUploadStatus   = "Upload-Status"
	headerServerPassword = "Server-Password"
	headerFinished       = "Connection-Finished"
)

const uploadField = "file_upload"

var (
	// ErrNotAuthenticated is returned when the portal rejects the site
	// credentials.
	ErrNotAuthenticated = errors.New("portal authentication failed")
	// ErrHalted is returned when the portal tells the site not to report.
	ErrHalted = errors.New("reports halted by server")
	// ErrVersionMismatch is returned when the portal speaks another
	// protocol version.
	ErrVersionMismatch = errors.New("incorrect agent version")
	// ErrPasswordMismatch is returned when the portal echoes a different
	// client password.
	ErrPasswordMismatch = errors.New("client passwords do not match")
)

// RemoteFile is one entry of the portal's definition listing.
type RemoteFile struct {
	Name string
	MD5  string
}

// Portal talks the IRIS feed protocol for one run.
type Portal struct {
	cfg      *config.Config
	client   *http.Client
	endpoint string
	revision string
	limiter  *rate.Limiter
}

// PortalOption configures a Portal.
type PortalOption func(*Portal)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) PortalOption {
	return func(p *Portal) { p.client = c }
}

// NewPortal creates a portal client for the run identified by revision.
func NewPortal(cfg *config.Config, revision string, opts ...PortalOption) (*Portal, error) {
	endpoint, err := Endpoint(cfg.Server.URL, cfg.Server.Port)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Server.ProxyURL != "" {
		proxy, err := url.Parse(cfg.Server.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		log.Info().Str("proxy", proxy.Redacted()).Msg("using proxy server")
		transport.Proxy = http.ProxyURL(proxy)
	}

	p := &Portal{
		cfg:      cfg,
		client:   &http.Client{Transport: transport, Timeout: cfg.Server.Timeout},
		endpoint: endpoint,
		revision: revision,
	}
	if cfg.Server.UploadsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Server.UploadsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Endpoint builds the update script URL. A non-zero port replaces the port
// in serverURL.
func Endpoint(serverURL string, port int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse server url: %q is not absolute", serverURL)
	}
	if port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	u.Path = strings.TrimRight(u.Path, "/") + updatePath
	return u.String(), nil
}

// Revision returns the run revision sent with every request.
func (p *Portal) Revision() string {
	return p.revision
}

// Handshake authenticates the site and returns the incremental flag for the
// run.
func (p *Portal) Handshake(ctx context.Context) (bool, error) {
	log.Info().Str("endpoint", p.endpoint).Msg("performing server handshake")

	resp, err := p.post(ctx, ActionHandshake, nil)
	if err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}
	drain(resp)

	h := resp.Header
	if h.Get(headerRunReport) != "1" {
		return false, fmt.Errorf("handshake: %w", ErrHalted)
	}
	if v := h.Get(headerVersion); v != ProtocolVersion {
		return false, fmt.Errorf("handshake: %w (server %q, agent %q)", ErrVersionMismatch, v, ProtocolVersion)
	}
	echoed := h.Values(headerClientPassword)
	if len(echoed) == 0 {
		return false, fmt.Errorf("handshake: no client password received")
	}
	if echoed[0] != p.cfg.Server.ClientPassword {
		return false, fmt.Errorf("handshake: %w", ErrPasswordMismatch)
	}

	incremental := h.Get(headerIncremental) != "0"
	log.Info().Bool("incremental", incremental).Msg("handshake complete")
	return incremental, nil
}

// ListFiles returns the definition files the portal holds for this site.
func (p *Portal) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	resp, err := p.post(ctx, ActionListFiles, nil)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer drain(resp)

	files, err := ParseListing(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ParseListing reads "name,md5" lines. Once a line contains '<' the server
// is emitting something other than a listing and the rest is only logged.
func ParseListing(r io.Reader) ([]RemoteFile, error) {
	var files []RemoteFile
	unexpected := false

	err := snapshot.ReadLines(r, func(line string) error {
		if strings.Contains(line, "<") {
			unexpected = true
		}
		if unexpected {
			log.Warn().Str("line", line).Msg("unexpected server output")
			return nil
		}

		name, hash, ok := strings.Cut(line, ",")
		name, hash = strings.TrimSpace(name), strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			return nil
		}
		log.Debug().Str("file", name).Str("md5", hash).Msg("found definition file")
		files = append(files, RemoteFile{Name: name, MD5: hash})
		return nil
	})
	return files, err
}

// SyncDefinitions downloads every listed file that is missing from dir or
// whose MD5 differs. It returns the names downloaded.
func (p *Portal) SyncDefinitions(ctx context.Context, dir string) ([]string, error) {
	log.Info().Msg("retrieving report definitions")

	files, err := p.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	var fetched []string
	var errs []error
	for _, f := range files {
		if !safeName(f.Name) {
			log.Warn().Str("file", f.Name).Msg("ignoring definition with unsafe name")
			continue
		}

		local := filepath.Join(dir, f.Name)
		if hash, err := snapshot.ContentHash(local); err == nil && strings.EqualFold(hash, f.MD5) {
			continue
		}

		if err := p.Download(ctx, f.Name, local); err != nil {
			log.Error().Err(err).Str("file", f.Name).Msg("could not download definition")
			errs = append(errs, err)
			continue
		}
		fetched = append(fetched, f.Name)
	}
	return fetched, errors.Join(errs...)
}

// Download fetches a single definition file into dest.
func (p *Portal) Download(ctx context.Context, name, dest string) error {
	log.Info().Str("file", name).Msg("retrieving file")

	resp, err := p.post(ctx, ActionSendFile, url.Values{"file_name": {name}})
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer drain(resp)

	if err := snapshot.WriteFileAtomic(dest, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	}); err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	return nil
}

// Overrides fetches the site's override parameters. An empty body means the
// site has none.
func (p *Portal) Overrides(ctx context.Context) (report.Overrides, error) {
	log.Info().Msg("retrieving override parameters")

	resp, err := p.post(ctx, ActionSendOverrides, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch overrides: %w", err)
	}
	defer drain(resp)

	ov, err := report.ParseOverrides(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch overrides: %w", err)
	}
	if len(ov) == 0 {
		log.Info().Msg("no override parameters exist for this site")
	}
	return ov, nil
}

// Send uploads every transmit file in the batch. A failed upload is logged
// and the remaining files are still sent; the failures are returned
// together.
func (p *Portal) Send(ctx context.Context, batch Batch) error {
	log.Info().Int("files", len(batch.Files)).Msg("sending report files")

	var errs []error
	for _, name := range batch.Files {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return errors.Join(append(errs, fmt.Errorf("upload %s: %w", name, err))...)
			}
		}
		if err := p.upload(ctx, batch.Path(name)); err != nil {
			log.Error().Err(err).Str("file", name).Msg("could not transmit file")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Portal) upload(ctx context.Context, path string) error {
	name := filepath.Base(path)
	log.Info().Str("file", name).Msg("transmitting")

	f, err := os.Open(path) // #nosec G304 -- path is in the transmit area
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, p.params(ActionReceiveFile, nil), name, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.do(req)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	drain(resp)

	if status := resp.Header.Get(headerUploadStatus); status != "" {
		log.Info().Str("file", name).Str("status", status).Msg("upload status")
	}
	return nil
}

func writeUpload(mw *multipart.Writer, params url.Values, name string, r io.Reader) error {
	for _, k := range sortedKeys(params) {
		if err := mw.WriteField(k, params.Get(k)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(uploadField, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// SyncPasswords rotates the client password and stores the new server
// password. The new client password is saved before it is sent.
func (p *Portal) SyncPasswords(ctx context.Context) error {
	log.Info().Msg("synchronising passwords")

	clientPassword, err := NewClientPassword()
	if err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}
	if err := p.cfg.Set("server.client_password", clientPassword); err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}
	if err := p.cfg.Save(); err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}

	resp, err := p.post(ctx, ActionSyncPassword, url.Values{"client_password": {clientPassword}})
	if err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}
	drain(resp)

	serverPassword := resp.Header.Get(headerServerPassword)
	if serverPassword == "" {
		return fmt.Errorf("sync passwords: no server password received")
	}
	if err := p.cfg.Set("server.server_password", serverPassword); err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}
	if err := p.cfg.Save(); err != nil {
		return fmt.Errorf("sync passwords: %w", err)
	}
	return nil
}

// NewClientPassword returns 32 random lowercase hex characters.
func NewClientPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Finish tells the portal the run is over so it can do its final tasks.
func (p *Portal) Finish(ctx context.Context) error {
	log.Info().Msg("finishing connection")

	resp, err := p.post(ctx, ActionFinish, nil)
	if err != nil {
		return fmt.Errorf("finish connection: %w", err)
	}
	drain(resp)

	if v := resp.Header.Get(headerFinished); v == "" || v == "false" {
		return fmt.Errorf("finish connection: connection could not be finished")
	}
	log.Info().Msg("connection finished")
	return nil
}

// Close releases idle connections.
func (p *Portal) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Portal) params(action string, extra url.Values) url.Values {
	v := url.Values{
		"site_id":  {p.cfg.Server.SiteID},
		"password": {p.cfg.Server.ServerPassword},
		"revision": {p.revision},
		"action":   {action},
	}
	for k, vals := range extra {
		v[k] = vals
	}
	return v
}

func (p *Portal) post(ctx context.Context, action string, extra url.Values) (*http.Response, error) {
	body := p.params(action, extra).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req)
}

// do sends req and checks the status code and the Authenticated header.
// The caller owns the body of a successful response.
func (p *Portal) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server connection error: %w", err)
	}

	if resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("could not find server script: status %d", resp.StatusCode)
	}

	if p.cfg.Server.LogHeaders {
		logHeaders(resp.Header)
	}

	if v := resp.Header.Get(headerAuthenticated); v == "" || v == "false" {
		drain(resp)
		return nil, ErrNotAuthenticated
	}
	return resp, nil
}

func logHeaders(h http.Header) {
	for _, k := range sortedKeys(url.Values(h)) {
		log.Info().Str("header", k).Strs("values", h[k]).Msg("http header")
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// safeName rejects listing entries that would escape the data directory.
func safeName(name string) bool {
	return name == filepath.Base(name) && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
