package constants

import "time"

// Database constants
const (
	DatabaseName = "peergate"
)

// Service metadata
const (
	ServiceName        = "peergate"
	ServiceDescription = "Peer registry and connection admission gate for hole-punched and relayed peer connections."
	ServiceContact     = "support@shugur.com"
	ServiceSoftware    = "https://github.com/Shugur-Network/peergate"
)

// Database operation constants
const (
	MaxDBRetries = 5               // Connection attempts at startup
	DBRetryDelay = 2 * time.Second // First backoff, doubled on each attempt

	// Pool sizes by expected registry size.
	DBPoolSmallMaxConns  = 8 // up to 10k peers
	DBPoolSmallMinConns  = 2
	DBPoolMediumMaxConns = 25 // up to 100k peers
	DBPoolMediumMinConns = 5
	DBPoolLargeMaxConns  = 50
	DBPoolLargeMinConns  = 10

	// Rows per batch when syncing dirty peers.
	SyncBatchSize = 500
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute
	DBConnMaxIdleTime    = 15 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
	HealthCheckTimeout   = 5 * time.Second
)

// Admin authentication (NIP-98 HTTP Auth)
const (
	KindHTTPAuth        = 27235
	AuthorizationScheme = "Nostr "
	MaxAuthHeaderLength = 8 * 1024
)

// Audit log
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// Peer ids and addresses
const (
	MaxPeerIDLength  = 128
	MaxAddressLength = 256
	MaxReasonLength  = 512
)
