package auth

import (
	"context"

	"github.com/npezzotti/go-squadchat/internal/chaterr"
	"github.com/npezzotti/go-squadchat/internal/database"
	"github.com/npezzotti/go-squadchat/internal/types"
)

// MembershipStore is the subset of the repository the gate reads.
type MembershipStore interface {
	GetUser(ctx context.Context, userId string) (database.User, error)
	GetRoom(ctx context.Context, ref types.RoomRef) (database.Room, error)
}

// Gate authenticates connections and authorizes room operations. It never
// caches membership: every check reads the store.
type Gate struct {
	verifier *TokenVerifier
	store    MembershipStore
}

func NewGate(verifier *TokenVerifier, store MembershipStore) *Gate {
	return &Gate{verifier: verifier, store: store}
}

func (g *Gate) Authenticate(ctx context.Context, credential string) (types.Principal, error) {
	if credential == "" {
		return types.Principal{}, chaterr.Authentication("missing credential", nil)
	}

	claims, err := g.verifier.Verify(credential)
	if err != nil {
		return types.Principal{}, chaterr.Authentication("invalid credential", err)
	}

	user, err := g.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if chaterr.Is(chaterr.FromStore(err, ""), chaterr.KindNotFound) {
			return types.Principal{}, chaterr.Authentication("unknown principal", err)
		}
		return types.Principal{}, chaterr.Transient(err)
	}

	return types.Principal{
		Id:          user.Id,
		DisplayName: user.DisplayName,
		AvatarRef:   user.AvatarRef,
	}, nil
}

// AuthorizeRoomJoin returns the room if p is a current member. It backs every
// read of room state, not only joins.
func (g *Gate) AuthorizeRoomJoin(ctx context.Context, p types.Principal, ref types.RoomRef) (database.Room, error) {
	if !ref.Joinable() {
		return database.Room{}, chaterr.Validation("invalid room reference")
	}

	room, err := g.store.GetRoom(ctx, ref)
	if err != nil {
		return database.Room{}, chaterr.FromStore(err, "room not found")
	}

	if !room.HasMember(p.Id) {
		return database.Room{}, chaterr.Authorization("not a member of this room")
	}

	return room, nil
}

// AuthorizeSend additionally restricts admin-only communities to their
// creator.
func (g *Gate) AuthorizeSend(ctx context.Context, p types.Principal, ref types.RoomRef) (database.Room, error) {
	room, err := g.AuthorizeRoomJoin(ctx, p, ref)
	if err != nil {
		return database.Room{}, err
	}

	if room.AdminOnlyMessages && !room.IsOwner(p.Id) {
		return database.Room{}, chaterr.Authorization("only the community admin can post here")
	}

	return room, nil
}
