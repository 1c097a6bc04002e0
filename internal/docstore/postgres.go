package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresTableName        = "planrelay_documents"
	postgresNotifyChannel    = "planrelay_changes"
	postgresOperationTimeout = 5 * time.Second
	postgresMinReconnect     = 100 * time.Millisecond
	postgresMaxReconnect     = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresStore keeps documents in a single table and feeds subscriptions
// through LISTEN/NOTIFY, so every committed write reaches all sessions —
// this one's included, which is how echoes come back.
type postgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	buffer    int
	logger    zerolog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type postgresChange struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Deleted    bool   `json:"deleted,omitempty"`
}

func NewPostgresStore(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	return &postgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
		buffer:    opts.snapshotBuffer(),
		logger:    opts.Logger,
	}, nil
}

func (p *postgresStore) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			doc JSONB NOT NULL,
			PRIMARY KEY (collection, id)
		)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *postgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return Document{}, err
	}
	if err := p.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT doc FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(p.tableName))
	var payload []byte
	err := p.db.QueryRowContext(ctx, query, collection, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (p *postgresStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	doc.ID = id
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	upsert := fmt.Sprintf(`INSERT INTO %s (collection, id, version, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET version = EXCLUDED.version, doc = EXCLUDED.doc`,
		postgresQuoteIdentifier(p.tableName))
	if _, err := tx.ExecContext(ctx, upsert, collection, id, doc.Version, payload); err != nil {
		return err
	}
	if err := notifyChange(ctx, tx, postgresChange{Collection: collection, ID: id}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *postgresStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	del := fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(p.tableName))
	result, err := tx.ExecContext(ctx, del, collection, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := notifyChange(ctx, tx, postgresChange{Collection: collection, ID: id, Deleted: true}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *postgresStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if collection == "" {
		return nil, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}

	listenErrs := make(chan error, 16)
	listener := pq.NewListener(p.dsn, postgresMinReconnect, postgresMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err == nil {
				return
			}
			select {
			case listenErrs <- err:
			default:
			}
		})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	sub := newSubscription(p.buffer, func() {
		_ = listener.Close()
	})

	initial, err := p.fullSnapshot(ctx, collection)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.deliver(initial)

	go p.listenLoop(collection, listener, listenErrs, sub)
	return sub, nil
}

func (p *postgresStore) listenLoop(collection string, listener *pq.Listener, listenErrs chan error, sub *subscription) {
	for {
		select {
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// Connection re-established; deliveries may have been
				// missed, so resync with a full snapshot.
				p.deliverFull(collection, sub)
				continue
			}
			var change postgresChange
			if err := json.Unmarshal([]byte(notification.Extra), &change); err != nil {
				sub.fail(err)
				continue
			}
			if change.Collection != collection {
				continue
			}
			if change.Deleted {
				sub.deliver(Snapshot{Deleted: []string{change.ID}})
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
			doc, err := p.Get(ctx, collection, change.ID)
			cancel()
			if errors.Is(err, ErrNotFound) {
				sub.deliver(Snapshot{Deleted: []string{change.ID}})
				continue
			}
			if err != nil {
				sub.fail(err)
				continue
			}
			sub.deliver(Snapshot{Docs: []Document{doc}})
		case err := <-listenErrs:
			sub.fail(err)
		case <-sub.done:
			return
		}
	}
}

func (p *postgresStore) deliverFull(collection string, sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	snap, err := p.fullSnapshot(ctx, collection)
	if err != nil {
		sub.fail(err)
		return
	}
	sub.deliver(snap)
}

func (p *postgresStore) fullSnapshot(ctx context.Context, collection string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT doc FROM %s WHERE collection = $1 ORDER BY id", postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, collection)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	snap := Snapshot{Full: true}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return Snapshot{}, err
		}
		var doc Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return Snapshot{}, err
		}
		snap.Docs = append(snap.Docs, doc)
	}
	return snap, rows.Err()
}

func (p *postgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func notifyChange(ctx context.Context, tx *sql.Tx, change postgresChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, string(payload))
	return err
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
