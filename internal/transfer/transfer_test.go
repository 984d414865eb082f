package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"fleetupdate/internal/policy"
)

func TestProbeTransfererFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		switch r.URL.Path {
		case "/payload.bin":
			w.Header().Set("Content-Length", strconv.Itoa(1024))
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		size     int64
		wantErr  bool
		wantCode policy.ErrorCode
	}{
		{name: "reachable", path: "/payload.bin", size: 1024},
		{name: "size unknown to caller", path: "/payload.bin", size: 0},
		{name: "size mismatch", path: "/payload.bin", size: 2048, wantErr: true, wantCode: policy.ErrorPayloadSizeMismatch},
		{name: "missing", path: "/other.bin", wantErr: true, wantCode: policy.ErrorDownloadTransfer},
	}

	p := NewProbeTransferer(5 * time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Fetch(context.Background(), srv.URL+tt.path, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fetch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CodeOf(err) != tt.wantCode {
				t.Errorf("CodeOf() = %v, want %v", CodeOf(err), tt.wantCode)
			}
		})
	}
}

func TestProbeTransfererUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewProbeTransferer(time.Second).Fetch(context.Background(), url, 0)
	if err == nil || CodeOf(err) != policy.ErrorDownloadTransfer {
		t.Errorf("Fetch() error = %v, want a transfer error", err)
	}
}

func TestFetchP2P(t *testing.T) {
	err := NewProbeTransferer(time.Second).FetchP2P(context.Background(), "abc")
	if !errors.Is(err, ErrP2PUnavailable) {
		t.Errorf("FetchP2P() error = %v, want ErrP2PUnavailable", err)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != policy.ErrorDownloadTransfer {
		t.Errorf("CodeOf(plain) = %v", got)
	}
	wrapped := errors.Join(errors.New("context"), &Error{Code: policy.ErrorPayloadHashMismatch, Err: errors.New("bad hash")})
	if got := CodeOf(wrapped); got != policy.ErrorPayloadHashMismatch {
		t.Errorf("CodeOf(wrapped) = %v", got)
	}
}
