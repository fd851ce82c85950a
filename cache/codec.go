package cache

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const recordVersion = 1

// Codec turns network responses into cache entries and entries into bytes
// for the persistent backends.
type Codec struct {
	now           func() time.Time
	maxEntryBytes int
	compressAbove int
	writerPool    sync.Pool
}

type CodecOption func(*Codec)

func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxEntryBytes rejects bodies larger than n. Zero disables the limit.
func WithMaxEntryBytes(n int) CodecOption {
	return func(c *Codec) {
		c.maxEntryBytes = n
	}
}

// WithCompressAbove compresses persisted bodies larger than n bytes with
// brotli. Zero disables compression.
func WithCompressAbove(n int) CodecOption {
	return func(c *Codec) {
		c.compressAbove = n
	}
}

func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		now: time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.writerPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewWriterLevel(nil, brotli.DefaultCompression)
		},
	}

	return c
}

func (c *Codec) Now() time.Time {
	return c.now()
}

// Encode captures resp under key and stamps the write time. The response is
// deep-copied so later mutation of either side is invisible to the other.
func (c *Codec) Encode(key string, resp *types.Response) (*types.CacheEntry, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	if resp == nil {
		return nil, types.Errorf(types.ErrEntryEncode, "nil response for %s", key)
	}

	if c.maxEntryBytes > 0 && len(resp.Body) > c.maxEntryBytes {
		return nil, types.Errorf(types.ErrEntryTooLarge, "%s: %d bytes", key, len(resp.Body))
	}

	entry := &types.CacheEntry{
		Key:        key,
		StatusCode: resp.StatusCode,
		StatusText: resp.StatusText,
		Header:     resp.Header.Clone(),
		Body:       cloneBytes(resp.Body),
		CachedAt:   c.now(),
	}

	if entry.Header == nil {
		entry.Header = make(http.Header)
	}

	return entry, nil
}

// Decode rebuilds a response from a stored entry.
func (c *Codec) Decode(entry *types.CacheEntry) *types.Response {
	if entry == nil {
		return nil
	}

	return &types.Response{
		StatusCode: entry.StatusCode,
		StatusText: entry.StatusText,
		Header:     entry.Header.Clone(),
		Body:       cloneBytes(entry.Body),
		Source:     types.SourceCache,
	}
}

type record struct {
	Version    int         `json:"v"`
	Key        string      `json:"key"`
	StatusCode int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	Compressed bool        `json:"compressed,omitempty"`
	CachedAt   int64       `json:"cached_at"`
}

// Marshal serializes an entry for a persistent backend.
func (c *Codec) Marshal(entry *types.CacheEntry) ([]byte, error) {
	if entry == nil {
		return nil, types.Errorf(types.ErrEntryEncode, "nil entry")
	}

	rec := record{
		Version:    recordVersion,
		Key:        entry.Key,
		StatusCode: entry.StatusCode,
		StatusText: entry.StatusText,
		Header:     entry.Header,
		Body:       entry.Body,
		CachedAt:   entry.CachedAt.UnixNano(),
	}

	if c.compressAbove > 0 && len(entry.Body) > c.compressAbove {
		compressed, err := c.compress(entry.Body)
		if err != nil {
			return nil, types.Errorf(types.ErrEntryEncode, "compress %s: %v", entry.Key, err)
		}
		rec.Body = compressed
		rec.Compressed = true
	}

	data, err := utils.Marshal(rec)
	if err != nil {
		return nil, types.Errorf(types.ErrEntryEncode, "%s: %v", entry.Key, err)
	}

	return data, nil
}

func (c *Codec) Unmarshal(data []byte) (*types.CacheEntry, error) {
	var rec record
	if err := utils.Unmarshal(data, &rec); err != nil {
		return nil, types.Errorf(types.ErrEntryDecode, "%v", err)
	}

	if rec.Version != recordVersion {
		return nil, types.Errorf(types.ErrEntryDecode, "unsupported record version %d", rec.Version)
	}

	body := rec.Body
	if rec.Compressed {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(rec.Body)))
		if err != nil {
			return nil, types.Errorf(types.ErrEntryDecode, "decompress %s: %v", rec.Key, err)
		}
		body = decompressed
	}

	header := rec.Header
	if header == nil {
		header = make(http.Header)
	}

	return &types.CacheEntry{
		Key:        rec.Key,
		StatusCode: rec.StatusCode,
		StatusText: rec.StatusText,
		Header:     header,
		Body:       body,
		CachedAt:   time.Unix(0, rec.CachedAt),
	}, nil
}

func (c *Codec) compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := c.writerPool.Get().(*brotli.Writer)
	defer c.writerPool.Put(writer)

	writer.Reset(&buf)

	if _, err := writer.Write(body); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func cloneEntry(entry *types.CacheEntry) *types.CacheEntry {
	if entry == nil {
		return nil
	}

	clone := *entry
	clone.Header = entry.Header.Clone()
	clone.Body = cloneBytes(entry.Body)

	return &clone
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
