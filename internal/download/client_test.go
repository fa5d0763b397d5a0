package download

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/payslip-cli/internal/config"
)

var testDownloadConfig = config.DownloadConfig{
	RequestsPerSecond: 100,
	Burst:             10,
	Timeout:           5 * time.Second,
	Retries:           1,
}

var pdf = []byte("%PDF-1.7 payslip body")

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "sub": "u1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_Encodings(t *testing.T) {
	encode := map[string]func([]byte) []byte{
		"identity": func(b []byte) []byte { return b },
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
	}

	for name, fn := range encode {
		t.Run(name, func(t *testing.T) {
			token := signedToken(t, time.Now().Add(time.Hour))
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
				assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
				assert.Equal(t, "payslip-test", r.Header.Get("User-Agent"))
				w.Header().Set("Content-Type", "application/pdf")
				if name != "identity" {
					w.Header().Set("Content-Encoding", name)
				}
				_, _ = w.Write(fn(pdf))
			})

			c := New(testDownloadConfig, "payslip-test", nil, zaptest.NewLogger(t))
			body, contentType, err := c.Fetch(context.Background(), srv.URL+"/file/abc", token)
			require.NoError(t, err)
			assert.Equal(t, pdf, body)
			assert.Equal(t, "application/pdf", contentType)
		})
	}
}

func TestFetch_ExpiredTokenSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	c := New(testDownloadConfig, "", nil, zaptest.NewLogger(t))
	_, _, err := c.Fetch(context.Background(), srv.URL, signedToken(t, time.Now().Add(-time.Minute)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Zero(t, hits.Load())
}

func TestFetch_OpaqueToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer opaque", r.Header.Get("Authorization"))
		_, _ = w.Write(pdf)
	})
	c := New(testDownloadConfig, "", nil, zaptest.NewLogger(t))
	body, _, err := c.Fetch(context.Background(), srv.URL, "opaque")
	require.NoError(t, err)
	assert.Equal(t, pdf, body)
}

func TestFetch_Errors(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var hits atomic.Int32
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.Error(w, "gone", http.StatusNotFound)
		})
		c := New(testDownloadConfig, "", nil, zaptest.NewLogger(t))
		_, _, err := c.Fetch(context.Background(), srv.URL, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("server error is retried", func(t *testing.T) {
		var hits atomic.Int32
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(pdf)
		})
		c := New(testDownloadConfig, "", nil, zaptest.NewLogger(t))
		body, _, err := c.Fetch(context.Background(), srv.URL, "")
		require.NoError(t, err)
		assert.Equal(t, pdf, body)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(pdf)
		})
		c := New(config.DownloadConfig{RequestsPerSecond: 100, Burst: 1, Timeout: time.Second}, "", nil, zaptest.NewLogger(t))
		_, _, err := c.Fetch(context.Background(), srv.URL, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "zstd")
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := New(testDownloadConfig, "", nil, zaptest.NewLogger(t))
		_, _, err := c.Fetch(ctx, srv.URL, "")
		require.Error(t, err)
	})
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("not-a-jwt")
	assert.False(t, ok)
}
