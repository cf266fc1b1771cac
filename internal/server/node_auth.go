package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/me/jobcoord/internal/broker"
	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/pkg/model"
	"gopkg.in/yaml.v3"
)

const ctxKeyNodeAuth ctxKey = "node_auth"

// NodeKeysEnv lists extra accepted node keys, comma-separated.
const NodeKeysEnv = "JOBCOORD_NODE_KEYS"

// NodeAuthContext holds authenticated node info for a request.
type NodeAuthContext struct {
	KeyID string // Hash of the key (for logging, not the raw key)
}

// NodeAuthFromContext extracts the NodeAuthContext from request context.
func NodeAuthFromContext(ctx context.Context) *NodeAuthContext {
	if nc, ok := ctx.Value(ctxKeyNodeAuth).(*NodeAuthContext); ok {
		return nc
	}
	return nil
}

// NodeKeyConfig holds the keys agents may present.
type NodeKeyConfig struct {
	Keys map[string]NodeKeyEntry `yaml:"keys"`
}

// NodeKeyEntry describes one accepted node key.
type NodeKeyEntry struct {
	Description string `yaml:"description,omitempty"`
}

// LoadNodeKeyConfig loads node keys from a YAML file and from JOBCOORD_NODE_KEYS.
//
//	keys:
//	  4f1c...: {description: rack-1}
func LoadNodeKeyConfig(configFile string) (*NodeKeyConfig, error) {
	cfg := &NodeKeyConfig{Keys: make(map[string]NodeKeyEntry)}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read node keys: %w", err)
		}
		var fileCfg NodeKeyConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse node keys %s: %w", configFile, err)
		}
		for k, v := range fileCfg.Keys {
			cfg.Keys[k] = v
		}
	}

	for _, key := range strings.Split(os.Getenv(NodeKeysEnv), ",") {
		if key = strings.TrimSpace(key); key != "" {
			cfg.Keys[key] = NodeKeyEntry{Description: "from " + NodeKeysEnv}
		}
	}
	return cfg, nil
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *NodeKeyConfig) ValidateKey(key string) *NodeKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any node keys are configured.
func (c *NodeKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// nodeAuthMiddleware validates the X-Node-Key header on node endpoints.
// With no keys configured access is open.
func nodeAuthMiddleware(keyConfig *NodeKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyNodeAuth, &NodeAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get(client.HeaderNodeKey)
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "node authentication required (" + client.HeaderNodeKey + " header missing)",
				})
				return
			}
			if keyConfig.ValidateKey(key) == nil {
				logger.Warn("invalid node key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid node key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyNodeAuth, &NodeAuthContext{KeyID: hashKey(key)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// appTokenMiddleware checks the X-App-Token a coordinator presents against
// the token issued for the application in the URL.
func appTokenMiddleware(svc *broker.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())
			appID := appIDParam(r)

			if err := svc.AuthorizeCoordinator(r.Context(), appID, r.Header.Get(client.HeaderAppToken)); err != nil {
				logger.Warn("coordinator call rejected", "app_id", appID, "path", r.URL.Path, "error", err)
				respondServiceError(w, reqID, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
