// Package escrow moves wallet funds between available and escrow-locked
// balances on top of the double-entry ledger.
//
// Every wallet owns two accounts per currency:
//
//	wallet:{tenant}:{wallet}:{currency}:available
//	wallet:{tenant}:{wallet}:{currency}:escrow_locked
//
// and each operation posts one balanced two-leg entry:
//
//	hold     payer.available     -> payer.escrow_locked
//	release  payer.escrow_locked -> payee.available
//	forfeit  payer.escrow_locked -> payer.available
//	credit   external funding    -> payer.available
//
// Key segments are escaped so ids containing ':' cannot name another
// tenant's or wallet's account. Operations are idempotent on
// (tenantId, operationId).
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/ledger"
	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

// OperationType names an escrow movement.
type OperationType string

const (
	OpHold    OperationType = "hold"
	OpRelease OperationType = "release"
	OpForfeit OperationType = "forfeit"
	OpCredit  OperationType = "credit"
)

// Operation is a caller-keyed request to move funds.
type Operation struct {
	TenantID      string        `json:"tenantId" validate:"required,artifactid"`
	OperationID   string        `json:"operationId" validate:"required,artifactid"`
	Type          OperationType `json:"type" validate:"required,oneof=hold release forfeit credit"`
	PayerWalletID string        `json:"payerWalletId" validate:"required,artifactid"`
	PayeeWalletID string        `json:"payeeWalletId,omitempty" validate:"omitempty,artifactid"`
	AmountCents   int64         `json:"amountCents" validate:"gt=0,cents"`
	Currency      string        `json:"currency" validate:"required,currency"`
	Memo          string        `json:"memo,omitempty" validate:"max=500"`
}

// Result describes an applied operation. Applied is false when the call was
// an idempotent replay of an earlier one.
type Result struct {
	OperationID string           `json:"operationId"`
	Type        OperationType    `json:"type"`
	EntryID     string           `json:"entryId"`
	RequestHash string           `json:"requestHash"`
	Postings    []ledger.Posting `json:"postings"`
	AppliedAt   string           `json:"appliedAt"`
	Applied     bool             `json:"applied"`
}

// WalletBalance is the pair of balances held for one wallet and currency.
type WalletBalance struct {
	TenantID          string `json:"tenantId"`
	WalletID          string `json:"walletId"`
	Currency          string `json:"currency"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// segment escapes one account key segment; the result never contains ':'.
func segment(s string) string { return segmentEscaper.Replace(s) }

// AvailableAccount returns the spendable account of a wallet.
func AvailableAccount(tenantID, walletID, currency string) string {
	return fmt.Sprintf("wallet:%s:%s:%s:available", segment(tenantID), segment(walletID), segment(currency))
}

// EscrowAccount returns the escrow-locked account of a wallet.
func EscrowAccount(tenantID, walletID, currency string) string {
	return fmt.Sprintf("wallet:%s:%s:%s:escrow_locked", segment(tenantID), segment(walletID), segment(currency))
}

// FundingAccount is the contra account that wallet credits are drawn from.
// Its balance goes negative as money enters the tenant's wallets.
func FundingAccount(tenantID, currency string) string {
	return fmt.Sprintf("external:%s:%s:funding", segment(tenantID), segment(currency))
}

// RequestHash is the canonical hash over an operation's immutable fields.
// The memo is not part of it.
func RequestHash(op Operation) (string, error) {
	var payee any
	if op.PayeeWalletID != "" {
		payee = op.PayeeWalletID
	}
	return canonical.HashHex(map[string]any{
		"tenantId":      op.TenantID,
		"payerWalletId": op.PayerWalletID,
		"payeeWalletId": payee,
		"type":          string(op.Type),
		"amountCents":   op.AmountCents,
		"currency":      op.Currency,
	})
}

func checkOperation(op Operation) error {
	if err := validate.Struct(op); err != nil {
		return err
	}
	switch op.Type {
	case OpRelease:
		if op.PayeeWalletID == "" {
			return validate.Fieldf("payeeWalletId", "is required for release")
		}
	default:
		if op.PayeeWalletID != "" {
			return validate.Fieldf("payeeWalletId", "is only allowed for release")
		}
	}
	return nil
}

// route returns the debited and credited accounts of op.
func route(op Operation) (from, to string) {
	switch op.Type {
	case OpHold:
		return AvailableAccount(op.TenantID, op.PayerWalletID, op.Currency),
			EscrowAccount(op.TenantID, op.PayerWalletID, op.Currency)
	case OpRelease:
		return EscrowAccount(op.TenantID, op.PayerWalletID, op.Currency),
			AvailableAccount(op.TenantID, op.PayeeWalletID, op.Currency)
	case OpForfeit:
		return EscrowAccount(op.TenantID, op.PayerWalletID, op.Currency),
			AvailableAccount(op.TenantID, op.PayerWalletID, op.Currency)
	default:
		return FundingAccount(op.TenantID, op.Currency),
			AvailableAccount(op.TenantID, op.PayerWalletID, op.Currency)
	}
}

// Service applies escrow operations to a ledger.Store.
type Service struct {
	store  ledger.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store ledger.Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Apply executes op exactly once. The idempotency lookup, balance check,
// posting and idempotency write run inside one ledger transaction locked on
// the operation key and both accounts.
func (s *Service) Apply(ctx context.Context, op Operation) (*Result, error) {
	if err := checkOperation(op); err != nil {
		return nil, err
	}
	reqHash, err := RequestHash(op)
	if err != nil {
		return nil, fmt.Errorf("hash escrow request: %w", err)
	}
	from, to := route(op)
	locks := []string{"escrow-op:" + segment(op.TenantID) + ":" + segment(op.OperationID), from, to}

	var res *Result
	err = s.store.WithinTx(ctx, locks, func(tx ledger.Tx) error {
		prior, err := tx.GetOperation(ctx, op.TenantID, op.OperationID)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.RequestHash != reqHash {
				return bizerr.New(bizerr.EscrowOperationConflict,
					"operation %s was already applied with a different request", op.OperationID)
			}
			var replay Result
			if err := json.Unmarshal(prior.Result, &replay); err != nil {
				return fmt.Errorf("decode stored escrow result: %w", err)
			}
			replay.Applied = false
			res = &replay
			return nil
		}

		if op.Type != OpCredit {
			balance, err := tx.Balance(ctx, from)
			if err != nil {
				return err
			}
			if balance < op.AmountCents {
				code := bizerr.InsufficientEscrowLocked
				if op.Type == OpHold {
					code = bizerr.InsufficientWalletAvailable
				}
				return bizerr.New(code, "%s has %d cents, %s needs %d", from, balance, op.Type, op.AmountCents)
			}
		}

		at := s.now().UTC()
		entry := ledger.JournalEntry{
			EntryID:  "jrn_" + uuid.NewString(),
			TenantID: op.TenantID,
			Memo:     memo(op),
			Postings: []ledger.Posting{
				{Account: from, AmountCents: -op.AmountCents},
				{Account: to, AmountCents: op.AmountCents},
			},
			CreatedAt: at,
		}
		if err := tx.Apply(ctx, entry); err != nil {
			return err
		}

		applied := Result{
			OperationID: op.OperationID,
			Type:        op.Type,
			EntryID:     entry.EntryID,
			RequestHash: reqHash,
			Postings:    entry.Postings,
			AppliedAt:   validate.FormatTime(at),
			Applied:     true,
		}
		raw, err := json.Marshal(applied)
		if err != nil {
			return fmt.Errorf("encode escrow result: %w", err)
		}
		if err := tx.PutOperation(ctx, ledger.OperationRecord{
			TenantID:    op.TenantID,
			OperationID: op.OperationID,
			RequestHash: reqHash,
			EntryID:     entry.EntryID,
			Result:      raw,
			CreatedAt:   at,
		}); err != nil {
			return err
		}
		res = &applied
		return nil
	})
	if err != nil {
		metrics.RecordEscrowOperation(string(op.Type), outcome(err))
		s.logger.Warn("escrow operation rejected",
			zap.String("tenant_id", op.TenantID),
			zap.String("operation_id", op.OperationID),
			zap.String("type", string(op.Type)),
			zap.Error(err),
		)
		return nil, err
	}

	if res.Applied {
		metrics.RecordEscrowOperation(string(op.Type), "applied")
		s.logger.Info("escrow operation applied",
			zap.String("tenant_id", op.TenantID),
			zap.String("operation_id", op.OperationID),
			zap.String("type", string(op.Type)),
			zap.Int64("amount_cents", op.AmountCents),
			zap.String("entry_id", res.EntryID),
		)
	} else {
		metrics.RecordEscrowOperation(string(op.Type), "replayed")
	}
	return res, nil
}

func memo(op Operation) string {
	if op.Memo != "" {
		return op.Memo
	}
	return string(op.Type) + " " + op.OperationID
}

func outcome(err error) string {
	switch bizerr.CodeOf(err) {
	case bizerr.EscrowOperationConflict:
		return "conflict"
	case bizerr.InsufficientWalletAvailable, bizerr.InsufficientEscrowLocked:
		return "insufficient"
	default:
		return "error"
	}
}

// WalletBalance reads the committed balances of a wallet.
func (s *Service) WalletBalance(ctx context.Context, tenantID, walletID, currency string) (*WalletBalance, error) {
	if err := validate.ID("tenantId", tenantID); err != nil {
		return nil, err
	}
	if err := validate.ID("walletId", walletID); err != nil {
		return nil, err
	}
	available, err := s.store.Balance(ctx, AvailableAccount(tenantID, walletID, currency))
	if err != nil {
		return nil, err
	}
	locked, err := s.store.Balance(ctx, EscrowAccount(tenantID, walletID, currency))
	if err != nil {
		return nil, err
	}
	return &WalletBalance{
		TenantID:          tenantID,
		WalletID:          walletID,
		Currency:          currency,
		AvailableCents:    available,
		EscrowLockedCents: locked,
	}, nil
}

// TenantBalances returns every committed account balance of a tenant,
// including the funding contra accounts. The values always sum to zero.
func (s *Service) TenantBalances(ctx context.Context, tenantID string) (map[string]int64, error) {
	tenant := segment(tenantID)
	wallets, err := s.store.Balances(ctx, "wallet:"+tenant+":")
	if err != nil {
		return nil, err
	}
	external, err := s.store.Balances(ctx, "external:"+tenant+":")
	if err != nil {
		return nil, err
	}
	for k, v := range external {
		wallets[k] = v
	}
	return wallets, nil
}
