// Package dropbox implements remote.Store against the Dropbox HTTP API v2.
//
// Endpoints used:
//   - content: files/upload, files/download (argument in Dropbox-API-Arg)
//   - rpc:     files/list_folder(+/continue), files/create_folder_v2,
//     users/get_current_account
//
// Status mapping:
//   - 401                               -> remote.ErrUnauthorized
//   - 409 path/not_found                -> remote.ErrNotFound
//   - 409 path/conflict on upload (add) -> remote.ErrExists
//   - 409 path/conflict/folder on create_folder -> success
//   - anything else                     -> *remote.Error
//
// Every call runs through a circuit breaker. Responses that describe the
// caller's situation (not found, unauthorized, exists) do not count as
// service failures.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mschirtzinger/diary/internal/remote"
)

const (
	// DefaultAPIURL is the RPC endpoint host.
	DefaultAPIURL = "https://api.dropboxapi.com"
	// DefaultContentURL is the content endpoint host.
	DefaultContentURL = "https://content.dropboxapi.com"
	// DefaultTimeout bounds each request.
	DefaultTimeout = 30 * time.Second
)

// TokenFunc returns the current bearer token ("" when none).
type TokenFunc func() string

// Config configures a Client.
type Config struct {
	// Token supplies the bearer token for every request. Required.
	Token TokenFunc
	// APIURL and ContentURL override the service hosts (tests).
	APIURL     string
	ContentURL string
	// Timeout bounds each HTTP request. Defaults to DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport. Its Timeout is replaced by Timeout.
	HTTPClient *http.Client
	// Logger for breaker transitions. Defaults to stderr with a [dropbox] prefix.
	Logger *log.Logger
}

// Client talks to Dropbox.
type Client struct {
	token      TokenFunc
	apiURL     string
	contentURL string
	http       *http.Client
	cb         *gobreaker.CircuitBreaker[[]byte]
	logger     *log.Logger
}

var _ remote.Store = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dropbox] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Timeout = timeout

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	contentURL := strings.TrimRight(cfg.ContentURL, "/")
	if contentURL == "" {
		contentURL = DefaultContentURL
	}

	c := &Client{
		token:      cfg.Token,
		apiURL:     apiURL,
		contentURL: contentURL,
		http:       hc,
		logger:     logger,
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "dropbox",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				remote.IsNotFound(err) ||
				remote.IsUnauthorized(err) ||
				errors.Is(err, remote.ErrExists) ||
				errors.Is(err, errAlreadyDone) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Printf("Circuit %s: %s -> %s", name, from, to)
		},
	})
	return c
}

type uploadArg struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type pathArg struct {
	Path string `json:"path"`
}

type createFolderArg struct {
	Path       string `json:"path"`
	Autorename bool   `json:"autorename"`
}

type cursorArg struct {
	Cursor string `json:"cursor"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

type listFolderResult struct {
	Entries []struct {
		Tag            string `json:".tag"`
		Name           string `json:"name"`
		PathLower      string `json:"path_lower"`
		ServerModified string `json:"server_modified"`
		Size           int64  `json:"size"`
	} `json:"entries"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// Upload writes contents at path.
func (c *Client) Upload(ctx context.Context, path string, contents []byte, mode remote.WriteMode) error {
	arg := uploadArg{Path: path, Mode: mode.String(), Mute: true}
	_, err := c.call(ctx, "upload", path, func() (*http.Request, error) {
		req, err := c.contentRequest(ctx, "/2/files/upload", arg, bytes.NewReader(contents))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, func(summary string) error {
		if mode == remote.ModeAdd && strings.HasPrefix(summary, "path/conflict") {
			return remote.ErrExists
		}
		return nil
	})
	return err
}

// Download returns the object at path.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	return c.call(ctx, "download", path, func() (*http.Request, error) {
		return c.contentRequest(ctx, "/2/files/download", pathArg{Path: path}, nil)
	}, notFound)
}

// ListFolder lists the direct children of path, following cursors.
func (c *Client) ListFolder(ctx context.Context, path string) ([]remote.FileInfo, error) {
	if path == "/" {
		path = ""
	}

	var out []remote.FileInfo
	endpoint := "/2/files/list_folder"
	var body any = pathArg{Path: path}

	for {
		raw, err := c.call(ctx, "list_folder", path, func() (*http.Request, error) {
			return c.rpcRequest(ctx, endpoint, body)
		}, notFound)
		if err != nil {
			return nil, err
		}

		var res listFolderResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &remote.Error{Op: "list_folder", Path: path, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
		for _, e := range res.Entries {
			fi := remote.FileInfo{
				Name:      e.Name,
				PathLower: e.PathLower,
				Size:      e.Size,
				IsFile:    e.Tag == "file",
			}
			if e.ServerModified != "" {
				if t, err := time.Parse(time.RFC3339, e.ServerModified); err == nil {
					fi.ModifiedAt = t
				}
			}
			out = append(out, fi)
		}

		if !res.HasMore {
			return out, nil
		}
		endpoint = "/2/files/list_folder/continue"
		body = cursorArg{Cursor: res.Cursor}
	}
}

// CreateFolder creates path; an existing folder is success.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	_, err := c.call(ctx, "create_folder", path, func() (*http.Request, error) {
		return c.rpcRequest(ctx, "/2/files/create_folder_v2", createFolderArg{Path: path})
	}, func(summary string) error {
		if strings.HasPrefix(summary, "path/conflict/folder") {
			return errAlreadyDone
		}
		return nil
	})
	if errors.Is(err, errAlreadyDone) {
		return nil
	}
	return err
}

// VerifyIdentity calls users/get_current_account.
func (c *Client) VerifyIdentity(ctx context.Context) error {
	_, err := c.call(ctx, "get_current_account", "", func() (*http.Request, error) {
		return c.rpcRequest(ctx, "/2/users/get_current_account", nil)
	}, nil)
	return err
}

// errAlreadyDone marks a 409 that means the operation's goal already holds.
var errAlreadyDone = errors.New("already done")

func notFound(summary string) error {
	if strings.HasPrefix(summary, "path/not_found") {
		return remote.ErrNotFound
	}
	return nil
}

// call performs one request through the breaker. conflict maps a 409
// error_summary to a sentinel; nil means "generic remote error".
func (c *Client) call(ctx context.Context, op, path string, build func() (*http.Request, error), conflict func(string) error) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(op, path, build, conflict)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &remote.Error{Op: op, Path: path, Err: err}
	}
	return body, err
}

func (c *Client) do(op, path string, build func() (*http.Request, error), conflict func(string) error) ([]byte, error) {
	req, err := build()
	if err != nil {
		return nil, &remote.Error{Op: op, Path: path, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, &remote.Error{Op: op, Path: path, Err: ctxErr}
		}
		return nil, &remote.Error{Op: op, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.Error{Op: op, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, remote.ErrUnauthorized)

	case resp.StatusCode == http.StatusConflict:
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if conflict != nil {
			if sentinel := conflict(apiErr.ErrorSummary); sentinel != nil {
				if sentinel == errAlreadyDone {
					return nil, sentinel
				}
				return nil, fmt.Errorf("%s %s: %w", op, path, sentinel)
			}
		}
		return nil, &remote.Error{Op: op, Path: path, StatusCode: resp.StatusCode, Err: errors.New(apiErr.ErrorSummary)}

	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &remote.Error{Op: op, Path: path, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
}

func (c *Client) contentRequest(ctx context.Context, endpoint string, arg any, body io.Reader) (*http.Request, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode argument: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", asciiJSON(argJSON))
	c.authorize(req)
	return req, nil
}

func (c *Client) rpcRequest(ctx context.Context, endpoint string, arg any) (*http.Request, error) {
	payload := []byte("null")
	if arg != nil {
		var err error
		if payload, err = json.Marshal(arg); err != nil {
			return nil, fmt.Errorf("failed to encode argument: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// asciiJSON escapes non-ASCII characters; HTTP headers must be ASCII.
func asciiJSON(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r -= 0x10000
			fmt.Fprintf(&sb, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String()
}
