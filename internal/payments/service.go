package payments

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tillbook/tillbook/internal/platform/cache"
)

const (
	directoryCacheKey = "tillbook:payments:directory"
	directoryCacheTTL = 5 * time.Minute
)

// builtinAliases maps common free-text method names to canonical codes.
// Tenant-specific aliases live in payment_method_aliases and win over these.
var builtinAliases = map[string]string{
	"CASH":       "CASH",
	"ESPECES":    "CASH",
	"CARD":       "CARD",
	"VISA":       "CARD",
	"MASTERCARD": "CARD",
	"MC":         "CARD",
	"AMEX":       "CARD",
	"BANK":       "TRANSFER",
	"WIRE":       "TRANSFER",
	"TRANSFER":   "TRANSFER",
	"IBAN":       "TRANSFER",
	"CHEQUE":     "CHEQUE",
	"CHECK":      "CHEQUE",
}

// Directory is an immutable snapshot of the payment-method catalog used for
// split resolution.
type Directory struct {
	Methods []PaymentMethod  `json:"methods"`
	Aliases map[string]int64 `json:"aliases"`
}

// Service resolves payment methods and splits.
type Service struct {
	repo   RepositoryPort
	redis  *redis.Client
	logger *slog.Logger
}

// NewService builds Service instance. The redis client is optional; without
// it every directory read goes to the database.
func NewService(repo RepositoryPort, redisClient *redis.Client, logger *slog.Logger) *Service {
	return &Service{repo: repo, redis: redisClient, logger: logger}
}

// Directory returns the method catalog snapshot, served from redis when warm.
func (s *Service) Directory(ctx context.Context) (*Directory, error) {
	if s.redis != nil {
		var cached Directory
		err := cache.GetJSON(ctx, s.redis, directoryCacheKey, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) && s.logger != nil {
			s.logger.Warn("payment directory cache read failed", slog.Any("error", err))
		}
	}

	methods, err := s.repo.ListMethods(ctx)
	if err != nil {
		return nil, err
	}
	aliases, err := s.repo.ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	dir := &Directory{Methods: methods, Aliases: aliases}

	if s.redis != nil {
		if err := cache.SetJSON(ctx, s.redis, directoryCacheKey, dir, directoryCacheTTL); err != nil && s.logger != nil {
			s.logger.Warn("payment directory cache write failed", slog.Any("error", err))
		}
	}
	return dir, nil
}

// InvalidateDirectory drops the cached catalog after method edits.
func (s *Service) InvalidateDirectory(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, directoryCacheKey).Err(); err != nil && s.logger != nil {
		s.logger.Warn("payment directory cache invalidation failed", slog.Any("error", err))
	}
}

// Resolve maps a raw method reference (numeric id, code, display name or
// alias, case-insensitive) to an active method.
func (d *Directory) Resolve(ref string) (*PaymentMethod, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrInvalidPaymentMethod
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return d.byID(id)
	}

	upper := strings.ToUpper(foldDiacritics(ref))
	for i := range d.Methods {
		if strings.ToUpper(d.Methods[i].Code) == upper {
			return d.activeOnly(&d.Methods[i])
		}
	}
	for i := range d.Methods {
		if strings.EqualFold(d.Methods[i].Name, ref) {
			return d.activeOnly(&d.Methods[i])
		}
	}
	if id, ok := d.Aliases[upper]; ok {
		return d.byID(id)
	}
	if code, ok := builtinAliases[upper]; ok {
		for i := range d.Methods {
			if strings.ToUpper(d.Methods[i].Code) == code {
				return d.activeOnly(&d.Methods[i])
			}
		}
	}
	return nil, ErrInvalidPaymentMethod
}

// foldDiacritics strips combining marks so cashier free text like "Espèces"
// matches the ESPECES builtin alias.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

func (d *Directory) byID(id int64) (*PaymentMethod, error) {
	for i := range d.Methods {
		if d.Methods[i].ID == id {
			return d.activeOnly(&d.Methods[i])
		}
	}
	return nil, ErrInvalidPaymentMethod
}

func (d *Directory) activeOnly(m *PaymentMethod) (*PaymentMethod, error) {
	if !m.IsActive {
		return nil, ErrInvalidPaymentMethod
	}
	clone := *m
	return &clone, nil
}

// fallback picks the method used when no breakdown is supplied: the given
// reference if any, otherwise CASH, otherwise the first active method.
func (d *Directory) fallback(ref string) (*PaymentMethod, error) {
	if strings.TrimSpace(ref) != "" {
		return d.Resolve(ref)
	}
	if m, err := d.Resolve("CASH"); err == nil {
		return m, nil
	}
	for i := range d.Methods {
		if d.Methods[i].IsActive {
			clone := d.Methods[i]
			return &clone, nil
		}
	}
	return nil, ErrNoActiveMethods
}

// ResolveSplits turns a requested total plus an optional multi-method
// breakdown into concrete (method, amount) rows summing exactly to the total.
// Row order and indexes are preserved so downstream idempotency keys stay
// deterministic across retries.
func (s *Service) ResolveSplits(ctx context.Context, requestedTotal decimal.Decimal, rows []SplitInput, fallbackMethod string) ([]SplitRow, error) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return nil, err
	}
	return dir.ResolveSplits(requestedTotal, rows, fallbackMethod)
}

// ResolveSplits is the pure resolution core, exposed on the snapshot so the
// posting orchestrator can resolve against one consistent catalog view.
func (d *Directory) ResolveSplits(requestedTotal decimal.Decimal, rows []SplitInput, fallbackMethod string) ([]SplitRow, error) {
	total := requestedTotal.Round(2)
	if !total.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if len(rows) == 0 {
		m, err := d.fallback(fallbackMethod)
		if err != nil {
			return nil, err
		}
		return []SplitRow{{Index: 0, MethodID: m.ID, MethodCode: m.Code, Amount: total}}, nil
	}

	resolved := make([]SplitRow, 0, len(rows))
	sum := decimal.Zero
	for i, row := range rows {
		m, err := d.Resolve(row.Method)
		if err != nil {
			return nil, err
		}
		amount := row.Amount.Round(2)
		if !amount.IsPositive() {
			return nil, ErrInvalidAmount
		}
		sum = sum.Add(amount)
		resolved = append(resolved, SplitRow{Index: i, MethodID: m.ID, MethodCode: m.Code, Amount: amount})
	}

	diff := total.Sub(sum)
	if diff.Abs().GreaterThan(SplitTolerance) {
		return nil, ErrSplitMismatch
	}
	if !diff.IsZero() {
		// fold the sub-cent drift into the last row so Σ == total exactly
		last := &resolved[len(resolved)-1]
		last.Amount = last.Amount.Add(diff)
		if !last.Amount.IsPositive() {
			return nil, ErrSplitMismatch
		}
	}
	return resolved, nil
}

// CreateMethod registers a payment method and drops the cached directory.
func (s *Service) CreateMethod(ctx context.Context, code, name string) (*PaymentMethod, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	name = strings.TrimSpace(name)
	if code == "" || name == "" {
		return nil, errors.New("payments: code and name required")
	}
	m, err := s.repo.CreateMethod(ctx, code, name)
	if err != nil {
		return nil, err
	}
	s.InvalidateDirectory(ctx)
	return m, nil
}

// SetMethodActive toggles a method and drops the cached directory.
func (s *Service) SetMethodActive(ctx context.Context, id int64, active bool) error {
	if err := s.repo.SetMethodActive(ctx, id, active); err != nil {
		return err
	}
	s.InvalidateDirectory(ctx)
	return nil
}

// CreateAlias maps a free-text alias onto a method and drops the cache.
func (s *Service) CreateAlias(ctx context.Context, alias string, methodID int64) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return errors.New("payments: alias required")
	}
	if err := s.repo.CreateAlias(ctx, alias, methodID); err != nil {
		return err
	}
	s.InvalidateDirectory(ctx)
	return nil
}
