// Package keys defines the key-material collaborator: the core consumes
// long-term Curve25519 keypairs without caring how they are stored. The
// concrete on-disk layout in this package is an external collaborator, kept
// separate from the tested connection and registry logic.
package keys

// Role identifies which process a keypair belongs to: "agent", "collector",
// or "client".
type Role string

const (
	RoleAgent     Role = "agent"
	RoleCollector Role = "collector"
	RoleClient    Role = "client"
)

// PublicKey and SecretKey are raw 32-byte Curve25519 keys, as consumed by
// golang.org/x/crypto/nacl/box.
type PublicKey [32]byte
type SecretKey [32]byte

// Provider is the abstract key-material contract the rest of the module
// depends on.
type Provider interface {
	// LoadLocalKeypair returns this process's own long-term keypair,
	// generating one on first use.
	LoadLocalKeypair(role Role) (PublicKey, SecretKey, error)

	// LoadRemotePublic returns the long-term public key of a well-known
	// remote role (e.g. the Agent loading the Collector's public key).
	LoadRemotePublic(role Role) (PublicKey, error)

	// AuthorizedClientDir returns the path to the directory of authorized
	// client public keys, consulted by the Collector's client-side
	// listener to decide which peers may complete the handshake.
	AuthorizedClientDir() (string, error)
}
