package transfer

import (
	"context"
	"crypto/md5" // #nosec G501 -- matches the portal's listing hashes
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisfeed/aida/internal/config"
)

// fakePortal records requests and answers with canned headers and bodies
// per action.
type fakePortal struct {
	mu       sync.Mutex
	requests []url.Values
	headers  map[string]map[string]string
	bodies   map[string]string
	files    map[string]string
	uploads  map[string]string
	status   int
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		headers: map[string]map[string]string{
			ActionHandshake: {
				headerRunReport:      "1",
				headerVersion:        ProtocolVersion,
				headerClientPassword: "client-secret",
			},
			ActionReceiveFile:  {headerUploadStatus: "received"},
			ActionSyncPassword: {headerServerPassword: "new-server-secret"},
			ActionFinish:       {headerFinished: "true"},
		},
		bodies:  map[string]string{},
		files:   map[string]string{},
		uploads: map[string]string{},
	}
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile(uploadField)
		if err == nil {
			data, _ := io.ReadAll(file)
			f.uploads[hdr.Filename] = string(data)
			_ = file.Close()
		}
	} else if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	form := url.Values{}
	for k, v := range r.Form {
		form[k] = v
	}
	if r.MultipartForm != nil {
		for k, v := range r.MultipartForm.Value {
			form[k] = v
		}
	}
	f.requests = append(f.requests, form)

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	action := form.Get("action")
	if _, ok := f.headers[action][headerAuthenticated]; !ok {
		w.Header().Set(headerAuthenticated, "true")
	}
	for k, v := range f.headers[action] {
		w.Header().Set(k, v)
	}

	if action == ActionSendFile {
		_, _ = io.WriteString(w, f.files[form.Get("file_name")])
		return
	}
	_, _ = io.WriteString(w, f.bodies[action])
}

func (f *fakePortal) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Get("action"))
	}
	return out
}

func (f *fakePortal) setHeader(action, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[action][key] = value
}

func (f *fakePortal) lastRequest() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestPortal(t *testing.T, fake *fakePortal) (*Portal, *config.Config) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "aida.yaml")
	content := "mis: sims\nserver:\n  url: " + srv.URL + "\n  site_id: \"1042\"\n" +
		"  server_password: server-secret\n  client_password: client-secret\n  uploads_per_second: 1000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	p, err := NewPortal(cfg, "20261019083000")
	require.NoError(t, err)
	return p, cfg
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		url  string
		port int
		want string
	}{
		{"https://portal.iris.ac", 0, "https://portal.iris.ac/feed/update.php"},
		{"https://portal.iris.ac/", 0, "https://portal.iris.ac/feed/update.php"},
		{"http://portal.iris.ac:8080/iris", 0, "http://portal.iris.ac:8080/iris/feed/update.php"},
		{"https://portal.iris.ac:8080", 8443, "https://portal.iris.ac:8443/feed/update.php"},
	}
	for _, tt := range tests {
		got, err := Endpoint(tt.url, tt.port)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := Endpoint("portal.iris.ac", 0)
	assert.Error(t, err)
}

func TestHandshake_Success(t *testing.T) {
	fake := newFakePortal()
	p, _ := newTestPortal(t, fake)

	incremental, err := p.Handshake(context.Background())
	require.NoError(t, err)
	assert.True(t, incremental)

	req := fake.lastRequest()
	assert.Equal(t, "1042", req.Get("site_id"))
	assert.Equal(t, "server-secret", req.Get("password"))
	assert.Equal(t, "20261019083000", req.Get("revision"))
	assert.Equal(t, ActionHandshake, req.Get("action"))
}

func TestHandshake_NonIncremental(t *testing.T) {
	fake := newFakePortal()
	fake.headers[ActionHandshake][headerIncremental] = "0"
	p, _ := newTestPortal(t, fake)

	incremental, err := p.Handshake(context.Background())
	require.NoError(t, err)
	assert.False(t, incremental)
}

func TestHandshake_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fakePortal)
		want   error
	}{
		{"halted", func(f *fakePortal) { f.headers[ActionHandshake][headerRunReport] = "0" }, ErrHalted},
		{"version", func(f *fakePortal) { f.headers[ActionHandshake][headerVersion] = "1.0" }, ErrVersionMismatch},
		{"password", func(f *fakePortal) { f.headers[ActionHandshake][headerClientPassword] = "other" }, ErrPasswordMismatch},
		{"not authenticated", func(f *fakePortal) { f.headers[ActionHandshake][headerAuthenticated] = "false" }, ErrNotAuthenticated},
		{"missing password", func(f *fakePortal) { delete(f.headers[ActionHandshake], headerClientPassword) }, nil},
		{"server error", func(f *fakePortal) { f.status = http.StatusInternalServerError }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakePortal()
			tt.mutate(fake)
			p, _ := newTestPortal(t, fake)

			_, err := p.Handshake(context.Background())
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestParseListing(t *testing.T) {
	body := "reports.csv, abc123\n" +
		"students.xml,def456\r\n" +
		",nohash\n" +
		"nocomma\n" +
		"<b>Warning</b>: something broke\n" +
		"late.csv,999\n"

	files, err := ParseListing(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []RemoteFile{
		{Name: "reports.csv", MD5: "abc123"},
		{Name: "students.xml", MD5: "def456"},
	}, files)
}

func TestSyncDefinitions(t *testing.T) {
	fake := newFakePortal()
	p, _ := newTestPortal(t, fake)
	dir := t.TempDir()

	unchanged := "students.csv,Student List\r\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reports.csv"), []byte(unchanged), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.xml"), []byte("old"), 0o600))

	fake.files["reports.csv"] = unchanged
	fake.files["stale.xml"] = "<new/>"
	fake.files["fresh.xml"] = "<fresh/>"
	fake.bodies[ActionListFiles] = "reports.csv," + md5Hex(unchanged) + "\n" +
		"stale.xml," + md5Hex("<new/>") + "\n" +
		"fresh.xml," + md5Hex("<fresh/>") + "\n" +
		"../escape.csv,abc\n"

	fetched, err := p.SyncDefinitions(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale.xml", "fresh.xml"}, fetched)

	data, err := os.ReadFile(filepath.Join(dir, "stale.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<new/>", string(data))
	assert.FileExists(t, filepath.Join(dir, "fresh.xml"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape.csv"))

	assert.Equal(t, []string{ActionListFiles, ActionSendFile, ActionSendFile}, fake.actions())
}

func TestOverrides(t *testing.T) {
	fake := newFakePortal()
	fake.bodies[ActionSendOverrides] = "students.csv,Year=7,1\nstaff.csv,,0\n"
	p, _ := newTestPortal(t, fake)

	ov, err := p.Overrides(context.Background())
	require.NoError(t, err)

	params, run := ov.Lookup("students.csv")
	assert.Equal(t, "Year=7", params)
	assert.True(t, run)
	_, run = ov.Lookup("staff.csv")
	assert.False(t, run)
}

func TestOverrides_Empty(t *testing.T) {
	p, _ := newTestPortal(t, newFakePortal())

	ov, err := p.Overrides(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ov)
}

func TestSend_UploadsEveryFile(t *testing.T) {
	fake := newFakePortal()
	p, _ := newTestPortal(t, fake)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("1,b\r\n0,d\r\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("1,x\r\n"), 0o600))

	err := p.Send(context.Background(), Batch{Dir: dir, Files: []string{"a.csv", "b.csv"}})
	require.NoError(t, err)

	assert.Equal(t, "1,b\r\n0,d\r\n", fake.uploads["a.csv"])
	assert.Equal(t, "1,x\r\n", fake.uploads["b.csv"])

	req := fake.lastRequest()
	assert.Equal(t, ActionReceiveFile, req.Get("action"))
	assert.Equal(t, "1042", req.Get("site_id"))
}

func TestSend_ContinuesAfterFailure(t *testing.T) {
	fake := newFakePortal()
	p, _ := newTestPortal(t, fake)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("1,x\r\n"), 0o600))

	err := p.Send(context.Background(), Batch{Dir: dir, Files: []string{"missing.csv", "b.csv"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.csv")
	assert.Equal(t, "1,x\r\n", fake.uploads["b.csv"])
}

func TestSend_Unauthenticated(t *testing.T) {
	fake := newFakePortal()
	fake.headers[ActionReceiveFile][headerAuthenticated] = "false"
	p, _ := newTestPortal(t, fake)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("1,x\r\n"), 0o600))

	err := p.Send(context.Background(), Batch{Dir: dir, Files: []string{"a.csv"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAuthenticated))
}

func TestSyncPasswords(t *testing.T) {
	fake := newFakePortal()
	p, cfg := newTestPortal(t, fake)

	require.NoError(t, p.SyncPasswords(context.Background()))

	sent := fake.lastRequest().Get("client_password")
	assert.Len(t, sent, 32)
	_, err := hex.DecodeString(sent)
	require.NoError(t, err)

	reloaded, err := config.Load(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, sent, reloaded.Server.ClientPassword)
	assert.Equal(t, "new-server-secret", reloaded.Server.ServerPassword)
}

func TestSyncPasswords_NoServerPassword(t *testing.T) {
	fake := newFakePortal()
	delete(fake.headers[ActionSyncPassword], headerServerPassword)
	p, cfg := newTestPortal(t, fake)

	err := p.SyncPasswords(context.Background())
	require.Error(t, err)

	reloaded, err := config.Load(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, "server-secret", reloaded.Server.ServerPassword)
	assert.NotEqual(t, "client-secret", reloaded.Server.ClientPassword)
}

func TestFinish(t *testing.T) {
	fake := newFakePortal()
	p, _ := newTestPortal(t, fake)
	require.NoError(t, p.Finish(context.Background()))

	fake.setHeader(ActionFinish, headerFinished, "false")
	require.Error(t, p.Finish(context.Background()))
}

func TestNewClientPassword(t *testing.T) {
	a, err := NewClientPassword()
	require.NoError(t, err)
	b, err := NewClientPassword()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, strings.ToLower(a), a)
	assert.NotEqual(t, a, b)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401
	return hex.EncodeToString(sum[:])
}
