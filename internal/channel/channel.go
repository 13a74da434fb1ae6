// Package channel implements channel name and invite-code validation, and the create/join/leave/chat operations
// layered over the State Store's channel repository. Membership-cap enforcement and invite-code generation
// themselves live in the repository (store.ChannelRepository), which is where the transaction boundary naturally
// sits; this package is the validation and orchestration layer a connection handler calls into.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/presenced/presenced/internal/store"
)

// Sentinel errors for the channel package, distinct from store's so callers can tell a validation failure from a
// persistence failure without inspecting error text.
var (
	ErrNameLength      = errors.New("channel name length out of bounds")
	ErrInvalidCode     = errors.New("invite code is not well-formed")
	ErrEmptyMessage    = errors.New("message content must not be empty after sanitisation")
	ErrGuestNotAllowed = errors.New("guest accounts may not join or create channels")
)

// inviteCodeAlphabet mirrors store.inviteCodeAlphabet; duplicated here (rather than exported from store) because
// format validation is a pure client-input concern distinct from code generation.
const inviteCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const inviteCodeLength = 6

// ValidateName trims name and checks it falls within [min, max] runes (bounds are configurable via
// Config.ChannelNameMin/Max). It returns the trimmed name on success.
func ValidateName(name string, min, max int) (string, error) {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	if n < min || n > max {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateInviteCode checks that code has the expected length and uses only characters from the confusable-free
// alphabet. It normalises case before validating, since invite codes are meant to be typed by hand.
func ValidateInviteCode(code string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if len(upper) != inviteCodeLength {
		return "", ErrInvalidCode
	}
	for _, c := range upper {
		if !strings.ContainsRune(inviteCodeAlphabet, c) {
			return "", ErrInvalidCode
		}
	}
	return upper, nil
}

// contentPolicy is a strict bluemonday policy stripping all markup from chat messages and custom-status text before
// they are stored or broadcast: these are the only two free-text surfaces in the protocol.
var contentPolicy = bluemonday.StrictPolicy()

// SanitizeContent strips any HTML markup from free-text user input and trims the result.
func SanitizeContent(raw string) string {
	return strings.TrimSpace(contentPolicy.Sanitize(raw))
}

// Engine orchestrates channel operations on top of the State Store's channel repository.
type Engine struct {
	repo       store.ChannelRepository
	maxMembers int
	nameMin    int
	nameMax    int
}

// NewEngine constructs a Channel Engine bound to repo with the given membership cap and name-length bounds.
func NewEngine(repo store.ChannelRepository, maxMembers, nameMin, nameMax int) *Engine {
	return &Engine{repo: repo, maxMembers: maxMembers, nameMin: nameMin, nameMax: nameMax}
}

// Create validates name and creates a new channel owned by ownerIdentityID, seating the owner as its first member
// (invariant: a channel always has at least one admin). Guest accounts are rejected here with ErrGuestNotAllowed;
// this package has no notion of guest-ness, so isGuest is passed in explicitly rather than re-derived.
func (e *Engine) Create(ctx context.Context, ownerIdentityID int64, ownerUsername, name string, isGuest bool) (*store.Channel, error) {
	if isGuest {
		return nil, ErrGuestNotAllowed
	}
	clean, err := ValidateName(name, e.nameMin, e.nameMax)
	if err != nil {
		return nil, err
	}
	ch, err := e.repo.Create(ctx, clean, ownerIdentityID, ownerUsername, e.maxMembers)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	return ch, nil
}

// Join validates an invite code, resolves it to a channel, and seats identityID as a regular member, enforcing the
// membership cap.
func (e *Engine) Join(ctx context.Context, identityID int64, username, inviteCode string, isGuest bool) (*store.Channel, error) {
	if isGuest {
		return nil, ErrGuestNotAllowed
	}
	code, err := ValidateInviteCode(inviteCode)
	if err != nil {
		return nil, err
	}
	ch, err := e.repo.GetByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := e.repo.AddMember(ctx, ch.ID, identityID, username, store.RoleMember, e.maxMembers); err != nil {
		return nil, err
	}
	return ch, nil
}

// Leave removes identityID's membership in channelID.
func (e *Engine) Leave(ctx context.Context, channelID string, identityID int64) error {
	return e.repo.RemoveMember(ctx, channelID, identityID)
}

// PrepareMessage validates that identityID belongs to channelID and sanitises content for broadcast. It does not
// persist or publish the message itself — chat messages are ephemeral fan-out events, not durable rows — so the
// caller is responsible for publishing the returned content to the channel's pub/sub topic.
func (e *Engine) PrepareMessage(ctx context.Context, channelID string, identityID int64, content string) (string, error) {
	isMember, err := e.repo.IsMember(ctx, channelID, identityID)
	if err != nil {
		return "", fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return "", store.ErrChannelNotFound
	}
	clean := SanitizeContent(content)
	if clean == "" {
		return "", ErrEmptyMessage
	}
	return clean, nil
}
