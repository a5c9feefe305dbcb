package middleware

import (
    "bytes"
    "context"
    "crypto/sha1"
    "encoding/binary"
    "encoding/json"
    "fmt"
    "log/slog"
    "net/http"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/donation-squares/internal/config"
)

// captureWriter captures response body/status while forwarding to the client.
type captureWriter struct {
    http.ResponseWriter
    status int
    buf    bytes.Buffer
    size   int64
    limit  int64
}

func (cw *captureWriter) WriteHeader(code int) { cw.status = code; cw.ResponseWriter.WriteHeader(code) }

func (cw *captureWriter) Write(b []byte) (int, error) {
    if cw.limit <= 0 {
        cw.buf.Write(b)
    } else if remain := cw.limit - cw.size; remain > 0 {
        if int64(len(b)) <= remain {
            cw.buf.Write(b)
        } else {
            cw.buf.Write(b[:remain])
        }
    }
    cw.size += int64(len(b))
    return cw.ResponseWriter.Write(b)
}

// GridCache caches public grid responses in Redis, one key space per
// campaign so a claim change can drop exactly that campaign's entries.
type GridCache struct {
    cfg config.CacheConfig
    rdb *redis.Client
    log *slog.Logger
}

// NewGridCache returns a GridCache.  A nil client disables caching.
func NewGridCache(cfg config.CacheConfig, rdb *redis.Client, log *slog.Logger) *GridCache {
    if log == nil {
        log = slog.Default()
    }
    return &GridCache{cfg: cfg, rdb: rdb, log: log}
}

func (g *GridCache) enabled() bool { return g != nil && g.cfg.Enabled && g.rdb != nil }

// campaignPrefix is the key prefix shared by every entry of a campaign.
func campaignPrefix(prefix, campaignID string) string {
    return prefix + ":campaign:" + campaignID + ":"
}

// cacheKeyFrom builds a stable cache key honoring prefix and strategy.
// The route portion is hashed; the campaign stays readable.
func cacheKeyFrom(cfg config.CacheConfig, c echo.Context) string {
    r := c.Request()
    route := c.Path()
    query := r.URL.RawQuery

    var parts []string
    switch strings.ToLower(cfg.KeyStrategy) {
    case "route":
        parts = []string{"route", route}
    case "method_route":
        parts = []string{"method", r.Method, "route", route}
    case "method_route_query":
        parts = []string{"method", r.Method, "route", route, "q", query}
    default: // "route_query"
        parts = []string{"route", route, "q", query}
    }
    sum := sha1.Sum([]byte(strings.Join(parts, ":")))
    return fmt.Sprintf("%s%x", campaignPrefix(cfg.Prefix, c.Param("id")), sum[:])
}

// encodePayload packs: [4 bytes status][4 bytes headerLen][headerJSON][body]
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
    hdrJSON, err := json.Marshal(header)
    if err != nil {
        return nil, err
    }
    out := make([]byte, 8+len(hdrJSON)+len(body))
    binary.BigEndian.PutUint32(out[0:4], uint32(status))
    binary.BigEndian.PutUint32(out[4:8], uint32(len(hdrJSON)))
    copy(out[8:8+len(hdrJSON)], hdrJSON)
    copy(out[8+len(hdrJSON):], body)
    return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
    if len(bs) < 8 {
        return 0, nil, nil, false
    }
    status = int(binary.BigEndian.Uint32(bs[0:4]))
    hlen := int(binary.BigEndian.Uint32(bs[4:8]))
    if hlen < 0 || 8+hlen > len(bs) {
        return 0, nil, nil, false
    }
    hdr := make(http.Header)
    if hlen > 0 {
        if err := json.Unmarshal(bs[8:8+hlen], &hdr); err != nil {
            return 0, nil, nil, false
        }
    }
    return status, hdr, bs[8+hlen:], true
}

// Middleware serves cached grid responses and stores fresh 200s.
func (g *GridCache) Middleware() echo.MiddlewareFunc {
    if !g.enabled() {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    ttl := g.cfg.TTL
    if ttl <= 0 {
        ttl = 5 * time.Second
    }
    maxBody := int64(g.cfg.MaxBodyBytes)

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if !g.cfg.Methods[strings.ToUpper(c.Request().Method)] {
                return next(c)
            }
            ctx := c.Request().Context()
            key := cacheKeyFrom(g.cfg, c)

            if bs, err := g.rdb.Get(ctx, key).Bytes(); err == nil {
                if status, hdr, body, ok := decodePayload(bs); ok {
                    for k, vals := range hdr {
                        if strings.EqualFold(k, "Content-Length") {
                            continue
                        }
                        for _, v := range vals {
                            c.Response().Header().Add(k, v)
                        }
                    }
                    c.Response().Header().Set("X-Cache", "HIT")
                    c.Response().WriteHeader(status)
                    if len(body) > 0 {
                        _, _ = c.Response().Write(body)
                    }
                    return nil
                }
            }

            cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: maxBody}
            c.Response().Writer = cw
            c.Response().Header().Set("X-Cache", "MISS")
            if err := next(c); err != nil {
                return err
            }
            // Truncated bodies are never stored.
            if cw.status != http.StatusOK || (maxBody > 0 && cw.size > maxBody) {
                return nil
            }
            hdr := c.Response().Header().Clone()
            hdr.Del("X-Cache")
            if payload, err := encodePayload(cw.status, hdr, cw.buf.Bytes()); err == nil {
                if err := g.rdb.SetEx(context.WithoutCancel(ctx), key, payload, ttl).Err(); err != nil {
                    g.log.Warn("grid cache: store failed", "key", key, "error", err)
                }
            }
            return nil
        }
    }
}

// Invalidate drops every cached grid response of a campaign.
func (g *GridCache) Invalidate(ctx context.Context, campaignID string) {
    if !g.enabled() || campaignID == "" {
        return
    }
    iter := g.rdb.Scan(ctx, 0, campaignPrefix(g.cfg.Prefix, campaignID)+"*", 100).Iterator()
    var keys []string
    for iter.Next(ctx) {
        keys = append(keys, iter.Val())
    }
    if err := iter.Err(); err != nil {
        g.log.Warn("grid cache: scan failed", "campaign_id", campaignID, "error", err)
        return
    }
    if len(keys) > 0 {
        if err := g.rdb.Del(ctx, keys...).Err(); err != nil {
            g.log.Warn("grid cache: delete failed", "campaign_id", campaignID, "error", err)
        }
    }
}
