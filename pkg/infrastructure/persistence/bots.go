package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/convoflow/convoflow/pkg/domain"
	botdomain "github.com/convoflow/convoflow/pkg/domain/bot"
	channeldomain "github.com/convoflow/convoflow/pkg/domain/channel"
)

// ---------------------------------------------------------------------------
// Bot repository
// ---------------------------------------------------------------------------

// BotRepository is the sqlite implementation of bot.Repository.
type BotRepository struct {
	db *sql.DB
}

const botColumns = `id, name, status, code, requirements, index_urls, config_env, required_credentials, credentials, version, created_at, updated_at`

func scanBot(row interface{ Scan(...interface{}) error }) (*botdomain.Bot, error) {
	var (
		b                                      botdomain.Bot
		id, indexURLs, configEnv, reqCreds, creds string
		createdAt, updatedAt                   time.Time
	)
	err := row.Scan(&id, &b.Name, &b.Status, &b.Code, &b.Requirements, &indexURLs, &configEnv, &reqCreds, &creds, &b.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, botdomain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	b.SetID(domain.EntityID(id))
	if b.IndexURLs, err = unmarshalStrings(indexURLs); err != nil {
		return nil, err
	}
	if b.ConfigEnv, err = unmarshalStringMap(configEnv); err != nil {
		return nil, err
	}
	if b.RequiredCredentials, err = unmarshalStrings(reqCreds); err != nil {
		return nil, err
	}
	if b.Credentials, err = unmarshalStringMap(creds); err != nil {
		return nil, err
	}
	b.CreatedAt = domain.TimestampFrom(createdAt)
	b.UpdatedAt = domain.TimestampFrom(updatedAt)
	return &b, nil
}

// FindByID retrieves a bot regardless of lifecycle status.
func (r *BotRepository) FindByID(id domain.EntityID) (*botdomain.Bot, error) {
	row := r.db.QueryRow(`SELECT `+botColumns+` FROM bots WHERE id = ?`, id.String())
	return scanBot(row)
}

// Save upserts a bot row.
func (r *BotRepository) Save(b *botdomain.Bot) error {
	indexURLs, err := marshalJSON(b.IndexURLs)
	if err != nil {
		return err
	}
	configEnv, err := marshalJSON(b.ConfigEnv)
	if err != nil {
		return err
	}
	reqCreds, err := marshalJSON(b.RequiredCredentials)
	if err != nil {
		return err
	}
	creds, err := marshalJSON(b.Credentials)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO bots (`+botColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status, code=excluded.code,
			requirements=excluded.requirements, index_urls=excluded.index_urls,
			config_env=excluded.config_env, required_credentials=excluded.required_credentials,
			credentials=excluded.credentials, version=excluded.version,
			updated_at=excluded.updated_at`,
		b.ID().String(), b.Name, string(b.Status), b.Code, b.Requirements,
		indexURLs, configEnv, reqCreds, creds, b.Version,
		b.CreatedAt.Time, b.UpdatedAt.Time)
	if err != nil {
		return fmt.Errorf("save bot %s: %w", b.ID(), err)
	}
	return nil
}

// Delete soft-deletes the bot: the row survives as a tombstone because
// sessions still reference it.
func (r *BotRepository) Delete(id domain.EntityID) error {
	res, err := r.db.Exec(`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
		string(botdomain.StatusDeleted), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("delete bot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return botdomain.ErrNotFound
	}
	return nil
}

// FindAll returns every bot row, tombstones included.
func (r *BotRepository) FindAll() ([]*botdomain.Bot, error) {
	return r.query(`SELECT ` + botColumns + ` FROM bots`)
}

// FindActive returns bots that are not soft-deleted.
func (r *BotRepository) FindActive() ([]*botdomain.Bot, error) {
	return r.query(`SELECT `+botColumns+` FROM bots WHERE status != ?`, string(botdomain.StatusDeleted))
}

// FindBySession resolves the bot owning a session through its channel
// binding.
func (r *BotRepository) FindBySession(sessionID domain.EntityID) (*botdomain.Bot, error) {
	row := r.db.QueryRow(`
		SELECT b.id, b.name, b.status, b.code, b.requirements, b.index_urls,
		       b.config_env, b.required_credentials, b.credentials, b.version,
		       b.created_at, b.updated_at
		FROM bots b
		JOIN channels c ON c.bot_id = b.id
		JOIN sessions s ON s.channel_id = c.id
		WHERE s.id = ?`, sessionID.String())
	return scanBot(row)
}

func (r *BotRepository) query(q string, args ...interface{}) ([]*botdomain.Bot, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var out []*botdomain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Channel repository
// ---------------------------------------------------------------------------

// ChannelRepository is the sqlite implementation of channel.Repository.
type ChannelRepository struct {
	db *sql.DB
}

const channelColumns = `id, bot_id, name, type, key, app_id, url, status, created_at`

func scanChannel(row interface{ Scan(...interface{}) error }) (*channeldomain.Channel, error) {
	var (
		c         channeldomain.Channel
		id, botID string
		createdAt time.Time
	)
	err := row.Scan(&id, &botID, &c.Name, &c.Type, &c.Key, &c.AppID, &c.URL, &c.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channeldomain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	c.SetID(domain.EntityID(id))
	c.BotID = domain.EntityID(botID)
	c.CreatedAt = domain.TimestampFrom(createdAt)
	return &c, nil
}

// FindByID retrieves a channel binding.
func (r *ChannelRepository) FindByID(id domain.EntityID) (*channeldomain.Channel, error) {
	row := r.db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id.String())
	return scanChannel(row)
}

// Save upserts a channel binding.
func (r *ChannelRepository) Save(c *channeldomain.Channel) error {
	_, err := r.db.Exec(`
		INSERT INTO channels (`+channelColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, type=excluded.type, key=excluded.key,
			app_id=excluded.app_id, url=excluded.url, status=excluded.status`,
		c.ID().String(), c.BotID.String(), c.Name, string(c.Type), c.Key, c.AppID, c.URL,
		string(c.Status), c.CreatedAt.Time)
	if err != nil {
		return fmt.Errorf("save channel %s: %w", c.ID(), err)
	}
	return nil
}

// Delete soft-deletes a channel binding.
func (r *ChannelRepository) Delete(id domain.EntityID) error {
	res, err := r.db.Exec(`UPDATE channels SET status = ? WHERE id = ?`,
		string(channeldomain.StatusDeleted), id.String())
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return channeldomain.ErrNotFound
	}
	return nil
}

// FindAll returns every channel binding.
func (r *ChannelRepository) FindAll() ([]*channeldomain.Channel, error) {
	return r.query(`SELECT ` + channelColumns + ` FROM channels`)
}

// FindByBot returns all bindings for one bot.
func (r *ChannelRepository) FindByBot(botID domain.EntityID) ([]*channeldomain.Channel, error) {
	return r.query(`SELECT `+channelColumns+` FROM channels WHERE bot_id = ?`, botID.String())
}

func (r *ChannelRepository) query(q string, args ...interface{}) ([]*channeldomain.Channel, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []*channeldomain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
