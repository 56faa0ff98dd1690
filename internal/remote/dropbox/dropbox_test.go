package dropbox

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mschirtzinger/diary/internal/remote"
)

// fakeDropbox is a minimal in-memory Dropbox API server.
type fakeDropbox struct {
	mu      sync.Mutex
	token   string
	files   map[string][]byte
	folders map[string]bool
	calls   map[string]int
	fail    int // respond 500 to this many requests
}

func newFakeDropbox(token string) *fakeDropbox {
	return &fakeDropbox{
		token:   token,
		files:   make(map[string][]byte),
		folders: make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (f *fakeDropbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++

	if f.fail > 0 {
		f.fail--
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, `{"error_summary":"invalid_access_token/"}`, http.StatusUnauthorized)
		return
	}

	conflict := func(summary string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_summary":"` + summary + `"}`))
	}

	switch r.URL.Path {
	case "/2/files/upload":
		var arg uploadArg
		_ = json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		if _, exists := f.files[arg.Path]; exists && arg.Mode == "add" {
			conflict("path/conflict/file/..")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.files[arg.Path] = body
		_, _ = w.Write([]byte(`{}`))

	case "/2/files/download":
		var arg pathArg
		_ = json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		data, ok := f.files[arg.Path]
		if !ok {
			conflict("path/not_found/.")
			return
		}
		_, _ = w.Write(data)

	case "/2/files/create_folder_v2":
		var arg createFolderArg
		_ = json.NewDecoder(r.Body).Decode(&arg)
		if f.folders[arg.Path] {
			conflict("path/conflict/folder/..")
			return
		}
		f.folders[arg.Path] = true
		_, _ = w.Write([]byte(`{}`))

	case "/2/files/list_folder":
		_, _ = w.Write([]byte(`{"entries":[{".tag":"file","name":"a.enc","path_lower":"/backups/a.enc","server_modified":"2024-01-02T03:04:05Z","size":10}],"cursor":"c1","has_more":true}`))

	case "/2/files/list_folder/continue":
		_, _ = w.Write([]byte(`{"entries":[{".tag":"folder","name":"sub","path_lower":"/backups/sub"}],"cursor":"c2","has_more":false}`))

	case "/2/users/get_current_account":
		_, _ = w.Write([]byte(`{"account_id":"dbid:1"}`))

	default:
		http.NotFound(w, r)
	}
}

func setupClient(t *testing.T, fake *fakeDropbox, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(Config{
		Token:      func() string { return token },
		APIURL:     srv.URL,
		ContentURL: srv.URL,
		Timeout:    2 * time.Second,
		Logger:     log.New(io.Discard, "", 0),
	})
}

func TestUploadDownload(t *testing.T) {
	fake := newFakeDropbox("tok")
	c := setupClient(t, fake, "tok")
	ctx := context.Background()

	if err := c.Upload(ctx, "/diary-data.enc", []byte("cipher"), remote.ModeOverwrite); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if err := c.Upload(ctx, "/diary-data.enc", []byte("cipher2"), remote.ModeOverwrite); err != nil {
		t.Fatalf("overwrite Upload() failed: %v", err)
	}

	got, err := c.Download(ctx, "/diary-data.enc")
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if string(got) != "cipher2" {
		t.Errorf("Download() = %q, want cipher2", got)
	}
}

func TestDownload_NotFound(t *testing.T) {
	c := setupClient(t, newFakeDropbox("tok"), "tok")
	_, err := c.Download(context.Background(), "/missing.enc")
	if !remote.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpload_AddConflict(t *testing.T) {
	c := setupClient(t, newFakeDropbox("tok"), "tok")
	ctx := context.Background()

	if err := c.Upload(ctx, "/backups/x.enc", []byte("1"), remote.ModeAdd); err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	err := c.Upload(ctx, "/backups/x.enc", []byte("2"), remote.ModeAdd)
	if !errors.Is(err, remote.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestCreateFolder_Idempotent(t *testing.T) {
	c := setupClient(t, newFakeDropbox("tok"), "tok")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.CreateFolder(ctx, "/backups"); err != nil {
			t.Fatalf("CreateFolder() #%d failed: %v", i, err)
		}
	}
}

func TestListFolder_FollowsCursor(t *testing.T) {
	c := setupClient(t, newFakeDropbox("tok"), "tok")
	got, err := c.ListFolder(context.Background(), "/backups")
	if err != nil {
		t.Fatalf("ListFolder() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if !got[0].IsFile || got[0].Size != 10 || got[0].ModifiedAt.IsZero() {
		t.Errorf("unexpected file entry %+v", got[0])
	}
	if got[1].IsFile || got[1].Name != "sub" {
		t.Errorf("unexpected folder entry %+v", got[1])
	}
}

func TestVerifyIdentity(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantUnauth bool
	}{
		{"valid token", "tok", false},
		{"rejected token", "stale", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupClient(t, newFakeDropbox("tok"), tt.token)
			err := c.VerifyIdentity(context.Background())
			if tt.wantUnauth {
				if !remote.IsUnauthorized(err) {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
			} else if err != nil {
				t.Errorf("VerifyIdentity() failed: %v", err)
			}
		})
	}
}

func TestServerError_IsRemoteError(t *testing.T) {
	fake := newFakeDropbox("tok")
	fake.fail = 1
	c := setupClient(t, fake, "tok")

	_, err := c.Download(context.Background(), "/diary-data.enc")
	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *remote.Error, got %v", err)
	}
	if rerr.StatusCode != http.StatusInternalServerError || rerr.Op != "download" {
		t.Errorf("unexpected error fields %+v", rerr)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	fake := newFakeDropbox("tok")
	fake.fail = 100
	c := setupClient(t, fake, "tok")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.Download(ctx, "/diary-data.enc")
	}

	fake.mu.Lock()
	before := fake.calls["/2/files/download"]
	fake.mu.Unlock()

	_, err := c.Download(ctx, "/diary-data.enc")
	var rerr *remote.Error
	if !errors.As(err, &rerr) || !strings.Contains(err.Error(), "open") {
		t.Errorf("expected open-circuit remote error, got %v", err)
	}

	fake.mu.Lock()
	after := fake.calls["/2/files/download"]
	fake.mu.Unlock()
	if after != before {
		t.Error("request reached the server while the circuit was open")
	}
}

func TestNotFoundDoesNotTripCircuit(t *testing.T) {
	c := setupClient(t, newFakeDropbox("tok"), "tok")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := c.Download(ctx, "/missing"); !remote.IsNotFound(err) {
			t.Fatalf("attempt %d: expected ErrNotFound, got %v", i, err)
		}
	}
}

func TestAsciiJSON(t *testing.T) {
	got := asciiJSON([]byte(`{"path":"/日记.enc"}`))
	want := `{"path":"/\u65e5\u8bb0.enc"}`
	if got != want {
		t.Errorf("asciiJSON() = %s, want %s", got, want)
	}
}
