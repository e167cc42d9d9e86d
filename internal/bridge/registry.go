package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const apiKeyPrefix = "claw_"

const keySuffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Registry is the ephemeral credential table: issued api keys (stored as
// SHA3-256 digests) and claimed agent names. Nothing survives a restart.
type Registry struct {
	mu        sync.Mutex
	byKeyHash map[string]string
	byName    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byKeyHash: make(map[string]string),
		byName:    make(map[string]string),
	}
}

// Register claims name and issues a fresh agent id and api key. A taken
// name is the normal ("", "", false) outcome, not an error.
func (r *Registry) Register(name string) (agentID, apiKey string, ok bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[name]; taken {
		return "", "", false
	}
	agentID = uuid.NewString()
	apiKey = generateAPIKey()
	r.byName[name] = agentID
	r.byKeyHash[hashKey(apiKey)] = agentID
	return agentID, apiKey, true
}

func (r *Registry) Lookup(apiKey string) (agentID string, ok bool) {
	if apiKey == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agentID, ok = r.byKeyHash[hashKey(apiKey)]
	return agentID, ok
}

func (r *Registry) AgentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKeyHash)
}

func hashKey(apiKey string) string {
	sum := sha3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey() string {
	var sb strings.Builder
	sb.WriteString(apiKeyPrefix)
	sb.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	sb.WriteByte('_')
	mod := big.NewInt(int64(len(keySuffixAlphabet)))
	for i := 0; i < 10; i++ {
		n, err := rand.Int(rand.Reader, mod)
		if err != nil {
			// crypto/rand failure means the process has bigger problems;
			// fall back to the first symbol rather than panic.
			sb.WriteByte(keySuffixAlphabet[0])
			continue
		}
		sb.WriteByte(keySuffixAlphabet[n.Int64()])
	}
	return sb.String()
}
