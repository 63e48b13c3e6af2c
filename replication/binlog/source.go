// Package binlog reads a MySQL or MariaDB binary log over the replication
// protocol and decodes it into replication records.
package binlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	gmrepl "github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/replication"
	"github.com/rs/zerolog/log"
)

// minOffset is the first event offset of every binlog file
const minOffset = 4

// Config describes the server and the replica identity
type Config struct {
	Host            string
	Port            uint16
	User            string
	Password        string
	ServerID        uint32
	Flavor          string
	GTIDMode        bool
	HeartbeatPeriod time.Duration
	ReadTimeout     time.Duration
}

// ConfigFrom converts the [source] configuration block
func ConfigFrom(c cfg.SourceConfiguration) Config {
	return Config{
		Host:            c.Host,
		Port:            uint16(c.Port),
		User:            c.User,
		Password:        c.Password,
		ServerID:        c.ServerID,
		Flavor:          c.Flavor,
		GTIDMode:        c.GTIDMode,
		HeartbeatPeriod: time.Duration(c.HeartbeatPeriodMS) * time.Millisecond,
		ReadTimeout:     time.Duration(c.ReadTimeoutMS) * time.Millisecond,
	}
}

func (c Config) syncerConfig() gmrepl.BinlogSyncerConfig {
	return gmrepl.BinlogSyncerConfig{
		ServerID:        c.ServerID,
		Flavor:          c.Flavor,
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		HeartbeatPeriod: c.HeartbeatPeriod,
		ReadTimeout:     c.ReadTimeout,
		ParseTime:       true,
		// the replication client owns reconnects
		DisableRetrySync: true,
	}
}

// OpenDB opens a regular SQL connection to the source server
func OpenDB(c Config) (*sql.DB, error) {
	dsn := mysql.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	dsn.Timeout = 10 * time.Second

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	return db, nil
}

// Source opens binlog sessions with go-mysql's BinlogSyncer
type Source struct {
	config  Config
	schemas SchemaLookup
}

// NewSource creates a source. schemas may be nil, in which case columns
// are named from the table map metadata.
func NewSource(config Config, schemas SchemaLookup) (*Source, error) {
	switch config.Flavor {
	case "":
		config.Flavor = gomysql.MySQLFlavor
	case gomysql.MySQLFlavor, gomysql.MariaDBFlavor:
	default:
		return nil, fmt.Errorf("unsupported flavor: %s", config.Flavor)
	}
	if config.GTIDMode && config.Flavor == gomysql.MariaDBFlavor {
		return nil, errors.New("gtid_mode is only supported for the mysql flavor")
	}
	if config.ServerID == 0 {
		return nil, errors.New("replica server id is required")
	}
	return &Source{config: config, schemas: schemas}, nil
}

// Open starts streaming at from. Column schemas cached by earlier sessions
// are dropped.
func (s *Source) Open(ctx context.Context, from position.Position) (replication.Session, error) {
	if s.schemas != nil {
		s.schemas.Purge()
	}

	useGTID := s.config.GTIDMode && from.HasGTID()
	if !useGTID && from.File == "" {
		return nil, errors.New("cannot start binlog sync without a file position")
	}

	syncer := gmrepl.NewBinlogSyncer(s.config.syncerConfig())

	var (
		streamer *gmrepl.BinlogStreamer
		err      error
	)
	if useGTID {
		var set gomysql.GTIDSet
		set, err = gomysql.ParseMysqlGTIDSet(from.GTIDSet)
		if err != nil {
			syncer.Close()
			return nil, fmt.Errorf("invalid resume gtid set: %w", err)
		}
		log.Debug().Str("gtid_set", from.GTIDSet).Msg("Starting binlog sync by GTID")
		streamer, err = syncer.StartSyncGTID(set)
	} else {
		start := gomysql.Position{Name: from.File, Pos: uint32(max(from.Offset, minOffset))}
		log.Debug().Str("file", start.Name).Uint32("offset", start.Pos).Msg("Starting binlog sync")
		streamer, err = syncer.StartSync(start)
	}
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync at %s: %w", from, err)
	}

	return &session{
		syncer:   syncer,
		streamer: streamer,
		decoder:  newDecoder(from, s.config.Flavor, s.schemas),
	}, nil
}

type session struct {
	syncer   *gmrepl.BinlogSyncer
	streamer *gmrepl.BinlogStreamer
	decoder  *decoder
}

func (s *session) Next(ctx context.Context) (*replication.Record, error) {
	for {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			return nil, err
		}
		rec, err := s.decoder.decode(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s event at %s: %w", ev.Header.EventType, s.decoder.pos, err)
		}
		if rec != nil {
			return rec, nil
		}
	}
}

func (s *session) Close() error {
	s.syncer.Close()
	return nil
}
