// Package wallets manages wallet records: user-created wallets, the base
// pair every user gets after registration, and deletion.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/warp/wallet-ledger/ledger"
)

const (
	NameMinLength = 3
	NameMaxLength = 32
)

var (
	ErrInvalidName = fmt.Errorf("wallet name must be %d to %d characters", NameMinLength, NameMaxLength)
	ErrInvalidKind = errors.New("wallet kind must be debit_card, credit_card or money")
)

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidKind) ||
		ledger.IsClientError(err)
}

// baseWallets are created once per user, cannot be deleted, and are
// recognised by (creator, kind).
var baseWallets = []struct {
	Name string
	Kind ledger.WalletKind
}{
	{"Debit card", ledger.KindDebitCard},
	{"Cash", ledger.KindMoney},
}

type Service struct {
	store ledger.WalletStore

	Now   func() time.Time
	NewID func() ledger.WalletID
}

func NewService(store ledger.WalletStore) *Service {
	return &Service{
		store: store,
		Now:   time.Now,
		NewID: func() ledger.WalletID { return ledger.WalletID(uuid.NewString()) },
	}
}

// Create adds a deletable wallet with zero aggregates.
func (s *Service) Create(ctx context.Context, userID ledger.UserID, name string, kind ledger.WalletKind) (ledger.Wallet, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < NameMinLength || n > NameMaxLength {
		return ledger.Wallet{}, ErrInvalidName
	}
	if !kind.Valid() {
		return ledger.Wallet{}, ErrInvalidKind
	}

	w := s.newWallet(userID, name, kind, ledger.CreatorUser, true)
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return ledger.Wallet{}, err
	}
	log.Printf("[Wallets] Created wallet %s (%s) for user %s", w.ID, w.Kind, userID)
	return w, nil
}

// CreateBase makes sure the user has both base wallets and returns them.
// Calling it again creates nothing.
func (s *Service) CreateBase(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	existing, err := s.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, err
	}

	have := make(map[ledger.WalletKind]ledger.Wallet)
	for _, w := range existing {
		if w.Creator == ledger.CreatorBase && !w.Deletable {
			if _, ok := have[w.Kind]; !ok {
				have[w.Kind] = w
			}
		}
	}

	out := make([]ledger.Wallet, 0, len(baseWallets))
	for _, b := range baseWallets {
		if w, ok := have[b.Kind]; ok {
			out = append(out, w)
			continue
		}
		w := s.newWallet(userID, b.Name, b.Kind, ledger.CreatorBase, false)
		if err := s.store.CreateWallet(ctx, w); err != nil {
			return nil, fmt.Errorf("create base wallet %s: %w", b.Kind, err)
		}
		log.Printf("[Wallets] Created base wallet %s (%s) for user %s", w.ID, w.Kind, userID)
		out = append(out, w)
	}
	return out, nil
}

// Delete removes a user-created wallet. Base wallets return
// ledger.ErrWalletNotDeletable.
func (s *Service) Delete(ctx context.Context, userID ledger.UserID, id ledger.WalletID) (ledger.Wallet, error) {
	return s.store.DeleteWallet(ctx, id, userID)
}

func (s *Service) newWallet(userID ledger.UserID, name string, kind ledger.WalletKind, creator ledger.WalletCreator, deletable bool) ledger.Wallet {
	return ledger.Wallet{
		ID:        s.NewID(),
		UserID:    userID,
		Name:      name,
		Kind:      kind,
		Creator:   creator,
		Deletable: deletable,
		CreatedAt: s.Now().UTC(),
	}
}
