package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/presenced/presenced/internal/store"
)

// fakeChannelRepo implements store.ChannelRepository for testing.
type fakeChannelRepo struct {
	byID   map[string]*store.Channel
	byCode map[string]*store.Channel
	members map[string][]store.Member
	nextID int
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{
		byID:    make(map[string]*store.Channel),
		byCode:  make(map[string]*store.Channel),
		members: make(map[string][]store.Member),
	}
}

func (r *fakeChannelRepo) Create(_ context.Context, name string, ownerIdentityID int64, ownerUsername string, maxMembers int) (*store.Channel, error) {
	r.nextID++
	id := "chan-" + strings.Repeat("x", r.nextID)
	code := "CHANL" + string(inviteCodeAlphabet[r.nextID%len(inviteCodeAlphabet)])
	ch := &store.Channel{ID: id, Name: name, OwnerIdentityID: ownerIdentityID, InviteCode: code, CreatedAt: time.Now()}
	r.byID[id] = ch
	r.byCode[code] = ch
	r.members[id] = []store.Member{{ChannelID: id, IdentityID: ownerIdentityID, Username: ownerUsername, Role: store.RoleAdmin}}
	return ch, nil
}

func (r *fakeChannelRepo) GetByID(_ context.Context, id string) (*store.Channel, error) {
	ch, ok := r.byID[id]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	return ch, nil
}

func (r *fakeChannelRepo) GetByInviteCode(_ context.Context, code string) (*store.Channel, error) {
	ch, ok := r.byCode[code]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	return ch, nil
}

func (r *fakeChannelRepo) AddMember(_ context.Context, channelID string, identityID int64, username string, role store.MemberRole, maxMembers int) error {
	members := r.members[channelID]
	if len(members) >= maxMembers {
		return store.ErrChannelFull
	}
	for _, m := range members {
		if m.IdentityID == identityID {
			return store.ErrMembershipExists
		}
	}
	r.members[channelID] = append(members, store.Member{ChannelID: channelID, IdentityID: identityID, Username: username, Role: role})
	return nil
}

func (r *fakeChannelRepo) RemoveMember(_ context.Context, channelID string, identityID int64) error {
	members := r.members[channelID]
	for i, m := range members {
		if m.IdentityID == identityID {
			r.members[channelID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *fakeChannelRepo) IsMember(_ context.Context, channelID string, identityID int64) (bool, error) {
	for _, m := range r.members[channelID] {
		if m.IdentityID == identityID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeChannelRepo) ListMembers(_ context.Context, channelID string) ([]store.Member, error) {
	return r.members[channelID], nil
}

func (r *fakeChannelRepo) ListMembershipsFor(_ context.Context, identityID int64) ([]string, error) {
	var ids []string
	for id, members := range r.members {
		for _, m := range members {
			if m.IdentityID == identityID {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func TestValidateName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"within bounds", "general", false},
		{"trims whitespace", "  general  ", false},
		{"too short", "ab", true},
		{"too long", strings.Repeat("a", 31), true},
		{"exact minimum", "abc", false},
		{"exact maximum", strings.Repeat("a", 30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ValidateName(tt.input, 3, 30)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateInviteCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid code", "23456Z", false},
		{"lowercase normalised", "23456z", false},
		{"too short", "2345", true},
		{"too long", "2345678", true},
		{"contains confusable zero", "023456", true},
		{"contains confusable letter O", "2345O6", true},
		{"contains confusable one", "123456", true},
		{"contains confusable letter I", "2345I6", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ValidateInviteCode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInviteCode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeContentStripsMarkup(t *testing.T) {
	t.Parallel()
	got := SanitizeContent("<script>alert(1)</script>hello")
	if strings.Contains(got, "<") {
		t.Errorf("SanitizeContent() = %q, still contains markup", got)
	}
	if !strings.Contains(got, "hello") {
		t.Errorf("SanitizeContent() = %q, lost the legitimate text", got)
	}
}

func TestEngineCreateAndJoin(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)
	ctx := context.Background()

	ch, err := e.Create(ctx, 1, "alice", "general", false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ch2, err := e.Join(ctx, 2, "bob", ch.InviteCode, false)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if ch2.ID != ch.ID {
		t.Errorf("Join() resolved to channel %q, want %q", ch2.ID, ch.ID)
	}

	members, _ := repo.ListMembers(ctx, ch.ID)
	if len(members) != 2 {
		t.Errorf("len(members) = %d, want 2", len(members))
	}
}

func TestEngineCreateRejectsGuest(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)

	_, err := e.Create(context.Background(), 1, "guest123", "general", true)
	if !errors.Is(err, ErrGuestNotAllowed) {
		t.Errorf("Create() error = %v, want ErrGuestNotAllowed", err)
	}
}

func TestEngineJoinRejectsGuest(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)

	_, err := e.Join(context.Background(), 1, "guest123", "ABCDEF", true)
	if !errors.Is(err, ErrGuestNotAllowed) {
		t.Errorf("Join() error = %v, want ErrGuestNotAllowed", err)
	}
}

func TestEngineJoinEnforcesMemberCap(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 2, 3, 30) // owner + 1 more = cap

	ch, err := e.Create(context.Background(), 1, "alice", "general", false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := e.Join(context.Background(), 2, "bob", ch.InviteCode, false); err != nil {
		t.Fatalf("first Join() error = %v", err)
	}

	_, err = e.Join(context.Background(), 3, "carol", ch.InviteCode, false)
	if !errors.Is(err, store.ErrChannelFull) {
		t.Errorf("Join() past cap error = %v, want ErrChannelFull", err)
	}
}

func TestEngineLeave(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)
	ctx := context.Background()

	ch, _ := e.Create(ctx, 1, "alice", "general", false)
	_, _ = e.Join(ctx, 2, "bob", ch.InviteCode, false)

	if err := e.Leave(ctx, ch.ID, 2); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	isMember, _ := repo.IsMember(ctx, ch.ID, 2)
	if isMember {
		t.Error("bob should no longer be a member after Leave()")
	}
}

func TestEnginePrepareMessageRequiresMembership(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)
	ctx := context.Background()

	ch, _ := e.Create(ctx, 1, "alice", "general", false)

	_, err := e.PrepareMessage(ctx, ch.ID, 99, "hello")
	if !errors.Is(err, store.ErrChannelNotFound) {
		t.Errorf("PrepareMessage() for a non-member error = %v, want ErrChannelNotFound", err)
	}
}

func TestEnginePrepareMessageSanitisesAndRejectsEmpty(t *testing.T) {
	t.Parallel()
	repo := newFakeChannelRepo()
	e := NewEngine(repo, 50, 3, 30)
	ctx := context.Background()

	ch, _ := e.Create(ctx, 1, "alice", "general", false)

	content, err := e.PrepareMessage(ctx, ch.ID, 1, "hello <b>world</b>")
	if err != nil {
		t.Fatalf("PrepareMessage() error = %v", err)
	}
	if strings.Contains(content, "<") {
		t.Errorf("PrepareMessage() content = %q, still contains markup", content)
	}

	_, err = e.PrepareMessage(ctx, ch.ID, 1, "<script></script>")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("PrepareMessage() with all-markup content error = %v, want ErrEmptyMessage", err)
	}
}
