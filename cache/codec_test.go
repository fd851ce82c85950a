package cache

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/types"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCodec_Encode(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec(WithClock(fixedClock(now)))

	resp := &types.Response{
		StatusCode: http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"image/png"}},
		Body:       []byte("png-bytes"),
	}

	entry, err := codec.Encode("GET http://app.test/logo.png", resp)
	require.NoError(t, err)

	assert.Equal(t, "GET http://app.test/logo.png", entry.Key)
	assert.Equal(t, now, entry.CachedAt)
	assert.Equal(t, "image/png", entry.Header.Get("Content-Type"))

	// The entry owns its buffers.
	resp.Body[0] = 'X'
	resp.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, []byte("png-bytes"), entry.Body)
	assert.Equal(t, "image/png", entry.Header.Get("Content-Type"))
}

func TestCodec_EncodeErrors(t *testing.T) {
	codec := NewCodec(WithMaxEntryBytes(4))

	tests := []struct {
		name    string
		key     string
		resp    *types.Response
		wantErr error
	}{
		{
			name:    "empty key",
			key:     "",
			resp:    &types.Response{StatusCode: http.StatusOK},
			wantErr: types.ErrCacheKeyEmpty,
		},
		{
			name:    "nil response",
			key:     "GET http://app.test/",
			resp:    nil,
			wantErr: types.ErrEntryEncode,
		},
		{
			name:    "body over limit",
			key:     "GET http://app.test/big",
			resp:    &types.Response{StatusCode: http.StatusOK, Body: []byte("12345")},
			wantErr: types.ErrEntryTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Encode(tt.key, tt.resp)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCodec_MarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	tests := []struct {
		name          string
		compressAbove int
		body          []byte
		compressed    bool
	}{
		{name: "plain", compressAbove: 0, body: []byte("hello")},
		{name: "below threshold", compressAbove: 1024, body: []byte("hello")},
		{name: "compressed", compressAbove: 16, body: bytes.Repeat([]byte("abcdef"), 200), compressed: true},
		{name: "empty body", compressAbove: 16, body: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := NewCodec(WithClock(fixedClock(now)), WithCompressAbove(tt.compressAbove))

			entry, err := codec.Encode("GET http://app.test/a", &types.Response{
				StatusCode: http.StatusOK,
				StatusText: "OK",
				Header:     http.Header{"Etag": {`"v1"`}},
				Body:       tt.body,
			})
			require.NoError(t, err)

			data, err := codec.Marshal(entry)
			require.NoError(t, err)

			if tt.compressed {
				assert.Less(t, len(data), len(tt.body))
			}

			decoded, err := codec.Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, entry.Key, decoded.Key)
			assert.Equal(t, entry.StatusCode, decoded.StatusCode)
			assert.Equal(t, entry.StatusText, decoded.StatusText)
			assert.Equal(t, `"v1"`, decoded.Header.Get("Etag"))
			assert.Equal(t, len(tt.body), len(decoded.Body))
			assert.True(t, bytes.Equal(tt.body, decoded.Body))
			assert.True(t, entry.CachedAt.Equal(decoded.CachedAt))
		})
	}
}

func TestCodec_UnmarshalErrors(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Unmarshal([]byte("not json"))
	assert.ErrorIs(t, err, types.ErrEntryDecode)

	_, err = codec.Unmarshal([]byte(`{"v":99,"key":"k"}`))
	assert.ErrorIs(t, err, types.ErrEntryDecode)
}

func TestCodec_Decode(t *testing.T) {
	codec := NewCodec()

	entry := &types.CacheEntry{
		Key:        "GET http://app.test/",
		StatusCode: http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html>"),
		CachedAt:   time.Now(),
	}

	resp := codec.Decode(entry)
	require.NotNil(t, resp)

	assert.Equal(t, types.SourceCache, resp.Source)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("<html>"), resp.Body)

	resp.Body[0] = 'X'
	assert.Equal(t, []byte("<html>"), entry.Body)

	assert.Nil(t, codec.Decode(nil))
}
