package store

import (
	"context"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/signalserver/keyserver"
	"go.mau.fi/signalserver/keyserver/store/upgrades"
)

var _ keyserver.AccountStore = (*Container)(nil)
var _ keyserver.PreKeyStore = (*Container)(nil)

// Container wraps a SQL database holding all server state: account
// aggregates, one-time prekeys and the message spool.
type Container struct {
	db *dbutil.Database
}

func NewContainer(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	return &Container{db: db.Child("signalserver_version", upgrades.Table, log)}
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

// Spool returns the durable per-device message queue, which doubles as the
// delivery transport.
func (c *Container) Spool() *Spool {
	return &Spool{db: c.db}
}
