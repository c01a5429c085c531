package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/go-squadchat/internal/types"
)

const messageSelect = `
	SELECT m.id, m.seq, m.room_ref, m.sender_id,
		COALESCE(u.display_name, ''), COALESCE(u.avatar_ref, ''),
		m.body, m.kind, COALESCE(m.media_ref, ''), m.reply_to_id, m.deleted,
		m.created_at, m.updated_at,
		r.id, r.sender_id, ru.display_name, r.body, r.kind, r.deleted
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages r ON r.id = m.reply_to_id
	LEFT JOIN users ru ON ru.id = r.sender_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *PgChatRepository) GetUser(ctx context.Context, userId string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, display_name, avatar_ref, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.DisplayName,
		&u.AvatarRef,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	switch ref.Kind() {
	case types.RoomKindSquad:
		return db.getTripRoom(ctx, ref)
	case types.RoomKindCommunity:
		return db.getCommunityRoom(ctx, ref)
	case types.RoomKindDirect:
		if _, err := uuid.Parse(ref.ID()); err != nil {
			return Room{}, sql.ErrNoRows
		}
		row := db.conn.QueryRowContext(ctx,
			"SELECT id, user_a, user_b, last_message_preview, last_message_at, created_at "+
				"FROM conversations WHERE id = $1",
			ref.ID(),
		)
		return scanConversation(row)
	default:
		return Room{}, sql.ErrNoRows
	}
}

func (db *PgChatRepository) getTripRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.creator_id, t.created_at,
			COALESCE(array_agg(m.user_id ORDER BY m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}')
		FROM trips t
		LEFT JOIN trip_members m ON m.trip_id = t.id
		WHERE t.id = $1
		GROUP BY t.id`,
		ref.ID(),
	)

	room := Room{Ref: ref, Kind: types.RoomKindSquad}
	var id string
	err := row.Scan(
		&id,
		&room.Name,
		&room.OwnerId,
		&room.CreatedAt,
		pq.Array(&room.Members),
	)

	return room, err
}

func (db *PgChatRepository) getCommunityRoom(ctx context.Context, ref types.RoomRef) (Room, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT c.id, c.name, c.creator_id, c.admin_only_messages,
			c.last_message_preview, c.last_message_at, c.created_at,
			COALESCE(array_agg(m.user_id ORDER BY m.user_id) FILTER (WHERE m.status = 'member'), '{}')
		FROM communities c
		LEFT JOIN community_members m ON m.community_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`,
		ref.ID(),
	)

	room := Room{Ref: ref, Kind: types.RoomKindCommunity}
	var (
		id     string
		lastAt sql.NullTime
	)
	err := row.Scan(
		&id,
		&room.Name,
		&room.OwnerId,
		&room.AdminOnlyMessages,
		&room.LastMessagePreview,
		&lastAt,
		&room.CreatedAt,
		pq.Array(&room.Members),
	)
	room.LastMessageAt = lastAt.Time

	return room, err
}

func scanConversation(row rowScanner) (Room, error) {
	var (
		id, userA, userB string
		lastAt           sql.NullTime
		room             = Room{Kind: types.RoomKindDirect}
	)
	err := row.Scan(
		&id,
		&userA,
		&userB,
		&room.LastMessagePreview,
		&lastAt,
		&room.CreatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	room.Ref = types.NewRoomRef(types.RoomKindDirect, id)
	room.Members = []string{userA, userB}
	room.LastMessageAt = lastAt.Time

	return room, nil
}

// orderedPair normalizes an unordered user pair so (a, b) and (b, a) map to
// the same conversation row.
func orderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (db *PgChatRepository) FindOrCreateConversation(ctx context.Context, userA, userB string) (Room, error) {
	userA, userB = orderedPair(userA, userB)

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO conversations (id, user_a, user_b, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (user_a, user_b) DO NOTHING",
		uuid.NewString(),
		userA,
		userB,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, fmt.Errorf("insert conversation: %w", err)
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, user_a, user_b, last_message_preview, last_message_at, created_at "+
			"FROM conversations WHERE user_a = $1 AND user_b = $2",
		userA,
		userB,
	)

	return scanConversation(row)
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var seq int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		// the upsert row-locks the room counter, serializing concurrent writers
		err := tx.QueryRowContext(ctx,
			"INSERT INTO room_sequences (room_ref, seq) VALUES ($1, 1) "+
				"ON CONFLICT (room_ref) DO UPDATE SET seq = room_sequences.seq + 1 RETURNING seq",
			string(params.RoomRef),
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (id, room_ref, seq, sender_id, body, kind, media_ref, reply_to_id, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, '')::uuid, $9, $9)",
			params.Id,
			string(params.RoomRef),
			seq,
			params.SenderId,
			params.Body,
			params.Kind,
			params.MediaRef,
			params.ReplyToId,
			params.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		return updateRoomPreview(ctx, tx, params)
	})
	if err != nil {
		return Message{}, err
	}

	return Message{
		Id:        params.Id,
		Seq:       seq,
		RoomRef:   params.RoomRef,
		SenderId:  params.SenderId,
		Body:      params.Body,
		Kind:      params.Kind,
		MediaRef:  params.MediaRef,
		ReplyToId: params.ReplyToId,
		CreatedAt: params.CreatedAt,
		UpdatedAt: params.CreatedAt,
	}, nil
}

func updateRoomPreview(ctx context.Context, tx *sql.Tx, params CreateMessageParams) error {
	var query string
	switch params.RoomRef.Kind() {
	case types.RoomKindDirect:
		query = "UPDATE conversations SET last_message_preview = $2, last_message_at = $3 WHERE id = $1"
	case types.RoomKindCommunity:
		query = "UPDATE communities SET last_message_preview = $2, last_message_at = $3, updated_at = $3 WHERE id = $1"
	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, query, params.RoomRef.ID(), params.Preview, params.CreatedAt); err != nil {
		return fmt.Errorf("update room preview: %w", err)
	}

	return nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg                                                   Message
		roomRef                                               string
		replyToId, replyId, replySender, replyName, replyBody sql.NullString
		replyKind                                             sql.NullString
		replyDeleted                                          sql.NullBool
	)

	err := row.Scan(
		&msg.Id,
		&msg.Seq,
		&roomRef,
		&msg.SenderId,
		&msg.SenderName,
		&msg.SenderAvatar,
		&msg.Body,
		&msg.Kind,
		&msg.MediaRef,
		&replyToId,
		&msg.Deleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&replyId,
		&replySender,
		&replyName,
		&replyBody,
		&replyKind,
		&replyDeleted,
	)
	if err != nil {
		return Message{}, err
	}

	msg.RoomRef = types.RoomRef(roomRef)
	msg.ReplyToId = replyToId.String
	if replyId.Valid {
		msg.ReplyTo = &Reply{
			Id:         replyId.String,
			SenderId:   replySender.String,
			SenderName: replyName.String,
			Body:       replyBody.String,
			Kind:       replyKind.String,
			Deleted:    replyDeleted.Bool,
		}
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	if _, err := uuid.Parse(messageId); err != nil {
		return Message{}, sql.ErrNoRows
	}

	row := db.conn.QueryRowContext(ctx, messageSelect+" WHERE m.id = $1", messageId)
	return scanMessage(row)
}

// GetMessages returns up to limit messages of a room with seq below
// beforeSeq, newest first. A beforeSeq <= 0 starts from the latest message.
func (db *PgChatRepository) GetMessages(ctx context.Context, ref types.RoomRef, beforeSeq int64, limit int) ([]Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		messageSelect+" WHERE m.room_ref = $1 AND m.seq < $2 ORDER BY m.seq DESC LIMIT $3",
		string(ref),
		beforeSeq,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

// DeleteMessage tombstones a message and clears any pin referencing it. It
// reports whether a pin was cleared.
func (db *PgChatRepository) DeleteMessage(ctx context.Context, messageId string) (bool, error) {
	if _, err := uuid.Parse(messageId); err != nil {
		return false, sql.ErrNoRows
	}

	var pinCleared bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET deleted = true, body = '', media_ref = NULL, updated_at = $2 "+
				"WHERE id = $1 AND NOT deleted",
			messageId,
			time.Now().UTC(),
		)
		if err != nil {
			return err
		}

		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}

		res, err = tx.ExecContext(ctx, "DELETE FROM room_pins WHERE message_id = $1", messageId)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		pinCleared = n > 0

		return nil
	})

	return pinCleared, err
}

func (db *PgChatRepository) GetPin(ctx context.Context, ref types.RoomRef) (Pin, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT message_id, pinned_by, pinned_at FROM room_pins WHERE room_ref = $1",
		string(ref),
	)

	pin := Pin{RoomRef: ref}
	err := row.Scan(
		&pin.MessageId,
		&pin.PinnedById,
		&pin.PinnedAt,
	)

	return pin, err
}

// SetPin replaces the room's pin; concurrent pins resolve last-write-wins.
func (db *PgChatRepository) SetPin(ctx context.Context, pin Pin) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO room_pins (room_ref, message_id, pinned_by, pinned_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (room_ref) DO UPDATE SET message_id = EXCLUDED.message_id, "+
			"pinned_by = EXCLUDED.pinned_by, pinned_at = EXCLUDED.pinned_at",
		string(pin.RoomRef),
		pin.MessageId,
		pin.PinnedById,
		pin.PinnedAt,
	)

	return err
}

// ClearPin removes the room's pin only if it still references messageId.
func (db *PgChatRepository) ClearPin(ctx context.Context, ref types.RoomRef, messageId string) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM room_pins WHERE room_ref = $1 AND message_id = $2",
		string(ref),
		messageId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) IncrementUnread(ctx context.Context, ref types.RoomRef, userIds []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIds))
	if len(userIds) == 0 {
		return counts, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
		INSERT INTO room_unreads (room_ref, user_id, count, updated_at)
		SELECT $1, u, 1, $3 FROM unnest($2::text[]) AS u
		ON CONFLICT (room_ref, user_id)
		DO UPDATE SET count = room_unreads.count + 1, updated_at = EXCLUDED.updated_at
		RETURNING user_id, count`,
		string(ref),
		pq.Array(userIds),
		time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userId string
			count  int
		)
		if err := rows.Scan(&userId, &count); err != nil {
			return nil, err
		}
		counts[userId] = count
	}

	return counts, rows.Err()
}

func (db *PgChatRepository) ResetUnread(ctx context.Context, ref types.RoomRef, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO room_unreads (room_ref, user_id, count, updated_at) VALUES ($1, $2, 0, $3) "+
			"ON CONFLICT (room_ref, user_id) DO UPDATE SET count = 0, updated_at = EXCLUDED.updated_at",
		string(ref),
		userId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) ListUnread(ctx context.Context, userId string) ([]UnreadCount, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT room_ref, count FROM room_unreads WHERE user_id = $1 AND count > 0 ORDER BY updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []UnreadCount
	for rows.Next() {
		var (
			ref string
			uc  UnreadCount
		)
		if err := rows.Scan(&ref, &uc.Count); err != nil {
			return nil, err
		}
		uc.RoomRef = types.RoomRef(ref)
		counts = append(counts, uc)
	}

	return counts, rows.Err()
}

func (db *PgChatRepository) CreateCommunity(ctx context.Context, params CreateCommunityParams) (Community, error) {
	var c Community
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx,
			"INSERT INTO communities (id, name, description, creator_id, admin_only_messages, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
				"RETURNING id, name, description, creator_id, admin_only_messages, created_at, updated_at",
			params.Id,
			params.Name,
			params.Description,
			params.CreatorId,
			params.AdminOnlyMessages,
			now,
		).Scan(
			&c.Id,
			&c.Name,
			&c.Description,
			&c.CreatorId,
			&c.AdminOnlyMessages,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO community_members (community_id, user_id, status, created_at) VALUES ($1, $2, 'member', $3)",
			c.Id,
			params.CreatorId,
			now,
		)
		return err
	})
	if isUniqueViolation(err) {
		return Community{}, ErrDuplicate
	}

	return c, err
}

// DeleteCommunity removes a community together with its messages, pin and
// unread counters.
func (db *PgChatRepository) DeleteCommunity(ctx context.Context, communityId string) error {
	ref := string(types.NewRoomRef(types.RoomKindCommunity, communityId))

	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM room_pins WHERE room_ref = $1",
			"DELETE FROM messages WHERE room_ref = $1",
			"DELETE FROM room_unreads WHERE room_ref = $1",
			"DELETE FROM room_sequences WHERE room_ref = $1",
		} {
			if _, err := tx.ExecContext(ctx, q, ref); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM communities WHERE id = $1", communityId)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			return sql.ErrNoRows
		}

		return nil
	})
}
