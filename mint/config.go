package mint

import (
	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type StoreBackend int

const (
	Bolt StoreBackend = iota
	SQLite
)

func (backend StoreBackend) String() string {
	switch backend {
	case Bolt:
		return "bolt"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

func StringToStoreBackend(backend string) (StoreBackend, bool) {
	switch backend {
	case "", "bolt":
		return Bolt, true
	case "sqlite":
		return SQLite, true
	}
	return Bolt, false
}

type Config struct {
	PeerId   ecash.PeerId
	Port     string
	MintPath string
	// name shown to clients and put in tokens
	FederationName string
	StoreBackend   StoreBackend
	MaxBackupSize  int
	LogLevel       LogLevel
	// agreement layer the guardian proposes items to.
	// Defaults to an in-process log.
	Broadcaster consensus.Broadcaster
}
