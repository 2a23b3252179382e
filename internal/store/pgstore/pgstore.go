// Package pgstore implements store.Store against a real Postgres database
// via jackc/pgx/v5, for deployments that need messages to survive a
// restart. Every method runs inside a single transaction (pgx.Tx), the Go
// equivalent of database.py's @atomic_wrapper.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/unmanageable-talk/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) atomic(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateUser(ctx context.Context, username, publicKey, spk, sig, ownStorage string) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (username, public_key, spk, sig, own_storage) VALUES ($1,$2,$3,$4,$5)`,
			username, publicKey, spk, sig, ownStorage)
		return err
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (store.User, error) {
	var u store.User
	var xdh []byte
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT id, username, public_key, COALESCE(spk,''), COALESCE(sig,''), status, biography, profile_picture, own_storage, xdh_requests
			 FROM users WHERE username = $1`, username)
		return row.Scan(&u.ID, &u.Username, &u.PublicKey, &u.SPK, &u.Sig, &u.Status, &u.Biography, &u.ProfilePicture, &u.OwnStorage, &xdh)
	})
	if err == pgx.ErrNoRows {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(xdh, &raw); err != nil {
		return store.User{}, fmt.Errorf("decode xdh_requests: %w", err)
	}
	u.XDHRequests = raw
	return u, nil
}

func (s *Store) GetUserList(ctx context.Context) ([]store.User, error) {
	var out []store.User
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, username, public_key, COALESCE(spk,''), COALESCE(sig,''), status, biography, profile_picture
			 FROM users ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u store.User
			if err := rows.Scan(&u.ID, &u.Username, &u.PublicKey, &u.SPK, &u.Sig, &u.Status, &u.Biography, &u.ProfilePicture); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) SetUserProps(ctx context.Context, username string, props store.UserProps) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET
				spk = COALESCE($2, spk),
				sig = COALESCE($3, sig),
				status = COALESCE($4, status),
				biography = COALESCE($5, biography),
				profile_picture = COALESCE($6, profile_picture),
				own_storage = COALESCE($7, own_storage)
			 WHERE username = $1`,
			username, props.SPK, props.Sig, props.Status, props.Biography, props.ProfilePicture, props.OwnStorage)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateDM(ctx context.Context, usernames, publicKeys []string) (int64, error) {
	var id int64
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		pk, err := json.Marshal(publicKeys)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO dms (public_keys, created_at) VALUES ($1, $2) RETURNING id`,
			pk, time.Now().UTC()).Scan(&id); err != nil {
			return err
		}
		for _, u := range usernames {
			if _, err := tx.Exec(ctx,
				`INSERT INTO dm_users (dm_id, user_id) SELECT $1, id FROM users WHERE username = $2`,
				id, u); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

func (s *Store) GetDM(ctx context.Context, dmID int64) (store.DM, error) {
	var d store.DM
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		var pk []byte
		row := tx.QueryRow(ctx, `SELECT id, public_keys, COALESCE(name,''), created_at FROM dms WHERE id = $1`, dmID)
		if err := row.Scan(&d.ID, &pk, &d.Name, &d.CreatedAt); err != nil {
			return err
		}
		if err := json.Unmarshal(pk, &d.PublicKeys); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT u.username FROM dm_users du JOIN users u ON u.id = du.user_id WHERE du.dm_id = $1 ORDER BY u.username`, dmID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var username string
			if err := rows.Scan(&username); err != nil {
				rows.Close()
				return err
			}
			d.Users = append(d.Users, username)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var mID int64
		var sender, message, sig string
		var ts time.Time
		var del *time.Time
		var pinned bool
		msgRow := tx.QueryRow(ctx,
			`SELECT m.id, u.username, m.message, m.signature, m.timestamp, m.delete_timestamp, m.pinned
			 FROM messages m JOIN users u ON u.id = m.sender_id
			 WHERE m.dm_id = $1 ORDER BY m.timestamp DESC, m.id DESC LIMIT 1`, dmID)
		switch err := msgRow.Scan(&mID, &sender, &message, &sig, &ts, &del, &pinned); err {
		case nil:
			d.LatestMessage = &store.Message{
				ID: mID, DMID: dmID, Sender: sender, Message: message,
				Signature: sig, Timestamp: ts, DeleteTimestamp: del, Pinned: pinned,
			}
			d.LatestMessage.Reactions, err = s.reactionsForMessageTx(ctx, tx, mID)
			if err != nil {
				return err
			}
		case pgx.ErrNoRows:
			d.LatestMessage = nil
		default:
			return err
		}
		return nil
	})
	if err == pgx.ErrNoRows {
		return store.DM{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) reactionsForMessageTx(ctx context.Context, tx pgx.Tx, messageID int64) ([]store.Reaction, error) {
	rows, err := tx.Query(ctx,
		`SELECT r.id, u.username, r.reaction, r.signature FROM reactions r JOIN users u ON u.id = r.sender_id
		 WHERE r.message_id = $1 ORDER BY r.id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []store.Reaction{}
	for rows.Next() {
		var r store.Reaction
		r.MessageID = messageID
		if err := rows.Scan(&r.ID, &r.Sender, &r.Reaction, &r.Signature); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetUserDMs(ctx context.Context, username string) ([]int64, error) {
	var out []int64
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT du.dm_id FROM dm_users du JOIN users u ON u.id = du.user_id WHERE u.username = $1 ORDER BY du.dm_id`, username)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) SetDMProps(ctx context.Context, dmID int64, props store.DMProps) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE dms SET name = COALESCE($2, name) WHERE id = $1`, dmID, props.Name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) LeaveDM(ctx context.Context, dmID int64, username string) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM dm_users WHERE dm_id = $1 AND user_id = (SELECT id FROM users WHERE username = $2)`,
			dmID, username)
		return err
	})
}

func (s *Store) CreateMessage(ctx context.Context, dmID int64, username, message, sig string, destructSeconds int) (store.Message, error) {
	var m store.Message
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		var del *time.Time
		if destructSeconds > 0 {
			t := now.Add(time.Duration(destructSeconds) * time.Second)
			del = &t
		}
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (dm_id, sender_id, message, signature, timestamp, delete_timestamp)
			 SELECT $1, id, $3, $4, $5, $6 FROM users WHERE username = $2 RETURNING id`,
			dmID, username, message, sig, now, del).Scan(&id); err != nil {
			return err
		}
		m = store.Message{
			ID: id, DMID: dmID, Sender: username, Message: message, Signature: sig,
			Timestamp: now, DeleteTimestamp: del, Reactions: []store.Reaction{},
		}
		return nil
	})
	return m, err
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (store.Message, error) {
	var m store.Message
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT m.id, m.dm_id, u.username, m.message, m.signature, m.timestamp, m.delete_timestamp, m.pinned
			 FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`, messageID)
		if err := row.Scan(&m.ID, &m.DMID, &m.Sender, &m.Message, &m.Signature, &m.Timestamp, &m.DeleteTimestamp, &m.Pinned); err != nil {
			return err
		}
		var err error
		m.Reactions, err = s.reactionsForMessageTx(ctx, tx, messageID)
		return err
	})
	if err == pgx.ErrNoRows {
		return store.Message{}, store.ErrNotFound
	}
	return m, err
}

func (s *Store) queryMessages(ctx context.Context, where string, args ...any) ([]store.Message, error) {
	var out []store.Message
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT m.id, m.dm_id, u.username, m.message, m.signature, m.timestamp, m.delete_timestamp, m.pinned
			 FROM messages m JOIN users u ON u.id = m.sender_id WHERE `+where+` ORDER BY m.timestamp DESC`, args...)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var m store.Message
			if err := rows.Scan(&m.ID, &m.DMID, &m.Sender, &m.Message, &m.Signature, &m.Timestamp, &m.DeleteTimestamp, &m.Pinned); err != nil {
				rows.Close()
				return err
			}
			out = append(out, m)
			ids = append(ids, m.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for i, id := range ids {
			reactions, err := s.reactionsForMessageTx(ctx, tx, id)
			if err != nil {
				return err
			}
			out[i].Reactions = reactions
		}
		return nil
	})
	return out, err
}

func (s *Store) GetMessages(ctx context.Context, dmID int64, cursor time.Time, count int) ([]store.Message, error) {
	out, err := s.queryMessages(ctx,
		"m.id IN (SELECT id FROM messages WHERE dm_id = $1 AND timestamp < $2 ORDER BY timestamp DESC LIMIT "+fmt.Sprint(count)+")",
		dmID, cursor)
	if out == nil && err == nil {
		return []store.Message{}, nil
	}
	return out, err
}

func (s *Store) GetPinnedMessages(ctx context.Context, dmID int64) ([]store.Message, error) {
	out, err := s.queryMessages(ctx, "m.dm_id = $1 AND m.pinned = TRUE", dmID)
	if out == nil && err == nil {
		return []store.Message{}, nil
	}
	return out, err
}

func (s *Store) SetMessageProps(ctx context.Context, messageID int64, props store.MessageProps) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE messages SET
				message = COALESCE($2, message),
				signature = COALESCE($3, signature),
				pinned = COALESCE($4, pinned)
			 WHERE id = $1`,
			messageID, props.Message, props.Signature, props.Pinned)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM reactions WHERE message_id = $1`, messageID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateReaction(ctx context.Context, messageID int64, username, reaction, sig string) (int64, error) {
	var id int64
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`INSERT INTO reactions (message_id, sender_id, reaction, signature)
			 SELECT $1, id, $3, $4 FROM users WHERE username = $2 RETURNING id`,
			messageID, username, reaction, sig).Scan(&id)
	})
	return id, err
}

func (s *Store) GetReaction(ctx context.Context, reactionID int64) (store.Reaction, error) {
	var r store.Reaction
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT r.id, r.message_id, u.username, r.reaction, r.signature FROM reactions r
			 JOIN users u ON u.id = r.sender_id WHERE r.id = $1`, reactionID)
		return row.Scan(&r.ID, &r.MessageID, &r.Sender, &r.Reaction, &r.Signature)
	})
	if err == pgx.ErrNoRows {
		return store.Reaction{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) GetReactions(ctx context.Context, messageID int64) ([]store.Reaction, error) {
	var out []store.Reaction
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.reactionsForMessageTx(ctx, tx, messageID)
		return err
	})
	return out, err
}

func (s *Store) DeleteReaction(ctx context.Context, reactionID int64) (int64, error) {
	var messageID int64
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT message_id FROM reactions WHERE id = $1`, reactionID).Scan(&messageID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM reactions WHERE id = $1`, reactionID)
		return err
	})
	if err == pgx.ErrNoRows {
		return 0, store.ErrNotFound
	}
	return messageID, err
}

func (s *Store) CreateRelation(ctx context.Context, from, to string, status store.RelationStatus) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO relations (from_user, to_user, status_code)
			 SELECT f.id, t.id, $3 FROM users f, users t WHERE f.username = $1 AND t.username = $2`,
			from, to, string(status))
		return err
	})
}

func (s *Store) SetRelationProps(ctx context.Context, from, to string, status store.RelationStatus) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE relations SET status_code = $3
			 WHERE from_user = (SELECT id FROM users WHERE username = $1)
			   AND to_user = (SELECT id FROM users WHERE username = $2)`,
			from, to, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) DeleteRelation(ctx context.Context, from, to string) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM relations
			 WHERE from_user = (SELECT id FROM users WHERE username = $1)
			   AND to_user = (SELECT id FROM users WHERE username = $2)`,
			from, to)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) IsRelation(ctx context.Context, from, to string, status store.RelationStatus) (bool, error) {
	var count int
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT count(*) FROM relations
			 WHERE from_user = (SELECT id FROM users WHERE username = $1)
			   AND to_user = (SELECT id FROM users WHERE username = $2)
			   AND status_code = $3`,
			from, to, string(status)).Scan(&count)
	})
	return count != 0, err
}

func (s *Store) GetOutgoingOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	return s.queryUsernames(ctx,
		`SELECT t.username FROM relations r JOIN users f ON f.id = r.from_user JOIN users t ON t.id = r.to_user
		 WHERE f.username = $1 AND r.status_code = $2 ORDER BY t.username`, username, string(status))
}

func (s *Store) GetIncomingOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	return s.queryUsernames(ctx,
		`SELECT f.username FROM relations r JOIN users f ON f.id = r.from_user JOIN users t ON t.id = r.to_user
		 WHERE t.username = $1 AND r.status_code = $2 ORDER BY f.username`, username, string(status))
}

// GetOfStatus unions outgoing and incoming edges of the given status,
// matching database.py's get_of_status bidirectional join.
func (s *Store) GetOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	return s.queryUsernames(ctx,
		`SELECT DISTINCT other FROM (
			SELECT t.username AS other FROM relations r JOIN users f ON f.id = r.from_user JOIN users t ON t.id = r.to_user
			WHERE f.username = $1 AND r.status_code = $2
			UNION
			SELECT f.username AS other FROM relations r JOIN users f ON f.id = r.from_user JOIN users t ON t.id = r.to_user
			WHERE t.username = $1 AND r.status_code = $2
		 ) q ORDER BY other`, username, string(status))
}

func (s *Store) queryUsernames(ctx context.Context, sqlQuery string, args ...any) ([]string, error) {
	var out []string
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sqlQuery, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if out == nil && err == nil {
		out = []string{}
	}
	return out, err
}

func (s *Store) AppendX3DH(ctx context.Context, username string, payload json.RawMessage) error {
	return s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET xdh_requests = xdh_requests || $2::jsonb WHERE username = $1`,
			username, []byte("["+string(payload)+"]"))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetAndClearX3DH(ctx context.Context, username string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT xdh_requests FROM users WHERE username = $1`, username).Scan(&raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE users SET xdh_requests = '[]' WHERE username = $1`, username)
		return err
	})
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return out, err
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `SELECT count(*) FROM users WHERE username = $1`, username)
}

func (s *Store) DMExists(ctx context.Context, dmID int64) (bool, error) {
	return s.exists(ctx, `SELECT count(*) FROM dms WHERE id = $1`, dmID)
}

func (s *Store) DMUsersExists(ctx context.Context, usernames []string) (bool, error) {
	var found bool
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT dm_id, array_agg(u.username ORDER BY u.username) FROM dm_users du JOIN users u ON u.id = du.user_id GROUP BY dm_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		want := append([]string{}, usernames...)
		sortStrings(want)
		for rows.Next() {
			var dmID int64
			var members []string
			if err := rows.Scan(&dmID, &members); err != nil {
				return err
			}
			if stringSlicesEqual(members, want) {
				found = true
			}
		}
		return rows.Err()
	})
	return found, err
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) UserInDM(ctx context.Context, username string, dmID int64) (bool, error) {
	return s.exists(ctx,
		`SELECT count(*) FROM dm_users du JOIN users u ON u.id = du.user_id WHERE du.dm_id = $1 AND u.username = $2`,
		dmID, username)
}

func (s *Store) MessageInUserDM(ctx context.Context, messageID int64, username string) (bool, error) {
	return s.exists(ctx,
		`SELECT count(*) FROM messages m JOIN dm_users du ON du.dm_id = m.dm_id JOIN users u ON u.id = du.user_id
		 WHERE m.id = $1 AND u.username = $2`, messageID, username)
}

func (s *Store) MessageExists(ctx context.Context, messageID int64) (bool, error) {
	return s.exists(ctx, `SELECT count(*) FROM messages WHERE id = $1`, messageID)
}

func (s *Store) ReactionExists(ctx context.Context, reactionID int64) (bool, error) {
	return s.exists(ctx, `SELECT count(*) FROM reactions WHERE id = $1`, reactionID)
}

func (s *Store) exists(ctx context.Context, sqlQuery string, args ...any) (bool, error) {
	var count int
	err := s.atomic(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, sqlQuery, args...).Scan(&count)
	})
	return count != 0, err
}

var _ store.Store = (*Store)(nil)
