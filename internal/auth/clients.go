package auth

import (
	"crypto/rand"
	"fmt"

	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/config"
)

// Clients holds the configured API clients with their decoded hashes.
// It is read-only after construction and safe for concurrent use.
type Clients struct {
	hashes map[string]phcHash

	// decoy is checked for unknown IDs so they cost as much as a wrong secret.
	decoy phcHash
}

// NewClients decodes every configured client.
//
// Parameters:
//   - clients: security.clients from the configuration
//
// Returns:
//   - *Clients: Verifier for the clients
//   - error: If an ID is empty or duplicated, or a hash is malformed
func NewClients(clients []config.APIClientConfig) (*Clients, error) {
	c := &Clients{hashes: make(map[string]phcHash, len(clients))}

	for _, client := range clients {
		if client.ID == "" {
			return nil, fmt.Errorf("client id is required")
		}
		if _, dup := c.hashes[client.ID]; dup {
			return nil, fmt.Errorf("client %q is configured twice", client.ID)
		}
		h, err := decodePHC(client.SecretHash)
		if err != nil {
			return nil, fmt.Errorf("client %q: %w", client.ID, err)
		}
		c.hashes[client.ID] = h
	}

	c.decoy = phcHash{
		salt:    randomBytes(argonSaltLen),
		hash:    randomBytes(argonKeyLen),
		time:    argonTime,
		memory:  argonMemory,
		threads: argonThreads,
	}
	return c, nil
}

// Authenticate reports whether secret is valid for the client id.
func (c *Clients) Authenticate(id, secret string) bool {
	h, ok := c.hashes[id]
	if !ok {
		c.decoy.matches(secret)
		return false
	}
	return h.matches(secret)
}

// Len returns the number of configured clients.
func (c *Clients) Len() int {
	return len(c.hashes)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return b
}
