/**
 * @description
 * This package computes the time-dependent obligation of a loan: daily compounded
 * interest, IOF transaction tax and insurance. Every function is pure: the reference
 * instant is always passed in, nothing is cached and nothing is mutated.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Decimal arithmetic with round-half-up semantics.
 * - internal/domain: For the loan and obligation models.
 */

package balance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/domain"
)

// powPrecision is the number of decimal places kept for fractional powers.
const powPrecision = 28

var one = decimal.NewFromInt(1)

// Config holds the accrual constants. It is passed explicitly to the engine so two
// engines with different tax tables can coexist in one process.
type Config struct {
	DaysPerMonth int
	IOFDailyRate decimal.Decimal
	IOFFixedRate decimal.Decimal
	IOFMaxDays   int
	// Location decides where calendar days start. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig returns the statutory IOF table and a 30-day month.
func DefaultConfig() Config {
	return Config{
		DaysPerMonth: 30,
		IOFDailyRate: decimal.RequireFromString("0.000082"),
		IOFFixedRate: decimal.RequireFromString("0.0038"),
		IOFMaxDays:   365,
		Location:     time.UTC,
	}
}

// Terms are the immutable inputs of the accrual formulas.
type Terms struct {
	Principal     decimal.Decimal
	MonthlyRate   decimal.Decimal
	InsuranceRate decimal.Decimal
	RequestedAt   time.Time
}

// TermsOf extracts the accrual terms of a loan.
func TermsOf(loan *domain.Loan) Terms {
	return Terms{
		Principal:     loan.PrincipalAmount,
		MonthlyRate:   loan.MonthlyInterestRate,
		InsuranceRate: loan.InsuranceRate,
		RequestedAt:   loan.RequestedDate,
	}
}

// Engine evaluates loan obligations under a fixed Config.
type Engine struct {
	cfg         Config
	dayExponent decimal.Decimal
}

// NewEngine creates an engine. Zero day counts and a nil location fall back to
// DefaultConfig values; zero tax rates are kept as given.
func NewEngine(cfg Config) *Engine {
	defaults := DefaultConfig()
	if cfg.DaysPerMonth <= 0 {
		cfg.DaysPerMonth = defaults.DaysPerMonth
	}
	if cfg.IOFMaxDays <= 0 {
		cfg.IOFMaxDays = defaults.IOFMaxDays
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	return &Engine{
		cfg:         cfg,
		dayExponent: one.DivRound(decimal.NewFromInt(int64(cfg.DaysPerMonth)), powPrecision),
	}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// DaysSinceRequested is the number of calendar days between the request date and
// asOf, both taken in the configured location. It is never negative.
func (e *Engine) DaysSinceRequested(requestedAt, asOf time.Time) int {
	ry, rm, rd := requestedAt.In(e.cfg.Location).Date()
	ay, am, ad := asOf.In(e.cfg.Location).Date()

	// Date-only arithmetic in UTC so DST shifts in the configured zone cannot
	// produce 23 or 25 hour days.
	start := time.Date(ry, rm, rd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)

	days := int(end.Sub(start).Hours()) / 24
	if days < 0 {
		return 0
	}
	return days
}

// DailyRate converts a monthly rate into its compounding-equivalent daily rate:
// (1 + monthly)^(1/DaysPerMonth) - 1.
func (e *Engine) DailyRate(monthlyRate decimal.Decimal) decimal.Decimal {
	return mustPow(one.Add(monthlyRate), e.dayExponent).Sub(one)
}

// CompoundedAmount is the principal grown by daily compound interest, rounded to 2 places.
func (e *Engine) CompoundedAmount(t Terms, asOf time.Time) decimal.Decimal {
	return e.compounded(t, e.DaysSinceRequested(t.RequestedAt, asOf)).Round(domain.MoneyPlaces)
}

func (e *Engine) compounded(t Terms, days int) decimal.Decimal {
	if days <= 0 {
		return t.Principal
	}
	growth := mustPow(one.Add(e.DailyRate(t.MonthlyRate)), decimal.NewFromInt(int64(days)))
	return t.Principal.Mul(growth)
}

// IOF is the daily tax for at most IOFMaxDays plus the fixed tax, rounded to 2 places.
func (e *Engine) IOF(t Terms, asOf time.Time) decimal.Decimal {
	return e.iof(t, e.DaysSinceRequested(t.RequestedAt, asOf))
}

func (e *Engine) iof(t Terms, days int) decimal.Decimal {
	capped := days
	if capped > e.cfg.IOFMaxDays {
		capped = e.cfg.IOFMaxDays
	}
	daily := t.Principal.Mul(e.cfg.IOFDailyRate).Mul(decimal.NewFromInt(int64(capped)))
	fixed := t.Principal.Mul(e.cfg.IOFFixedRate)
	return daily.Add(fixed).Round(domain.MoneyPlaces)
}

// Insurance is principal * insurance rate, rounded to 2 places.
func (e *Engine) Insurance(t Terms) decimal.Decimal {
	return t.Principal.Mul(t.InsuranceRate).Round(domain.MoneyPlaces)
}

// TotalDue is the full obligation as of asOf.
func (e *Engine) TotalDue(t Terms, asOf time.Time) decimal.Decimal {
	days := e.DaysSinceRequested(t.RequestedAt, asOf)
	return e.totalDue(t, days)
}

func (e *Engine) totalDue(t Terms, days int) decimal.Decimal {
	compounded := e.compounded(t, days).Round(domain.MoneyPlaces)
	return compounded.Add(e.iof(t, days)).Add(e.Insurance(t)).Round(domain.MoneyPlaces)
}

// Obligation evaluates every component for a loan given what has been paid so far.
func (e *Engine) Obligation(loan *domain.Loan, totalPaid decimal.Decimal, asOf time.Time) domain.Obligation {
	t := TermsOf(loan)
	days := e.DaysSinceRequested(t.RequestedAt, asOf)

	compounded := e.compounded(t, days).Round(domain.MoneyPlaces)
	iof := e.iof(t, days)
	insurance := e.Insurance(t)
	totalDue := compounded.Add(iof).Add(insurance).Round(domain.MoneyPlaces)

	return domain.Obligation{
		LoanID:             loan.ID,
		AsOf:               asOf,
		DaysSinceRequested: days,
		CompoundedAmount:   compounded,
		IOF:                iof,
		Insurance:          insurance,
		TotalDue:           totalDue,
		TotalPaid:          totalPaid.Round(domain.MoneyPlaces),
		OutstandingBalance: Outstanding(totalDue, totalPaid),
	}
}

// Outstanding is totalDue - totalPaid floored at zero.
func Outstanding(totalDue, totalPaid decimal.Decimal) decimal.Decimal {
	remaining := totalDue.Sub(totalPaid)
	if remaining.IsNegative() {
		return decimal.Zero.Round(domain.MoneyPlaces)
	}
	return remaining.Round(domain.MoneyPlaces)
}

// mustPow panics on inputs loan validation already rejects (a growth base <= 0).
func mustPow(base, exponent decimal.Decimal) decimal.Decimal {
	result, err := base.PowWithPrecision(exponent, powPrecision)
	if err != nil {
		panic(fmt.Sprintf("balance: %s^%s: %v", base, exponent, err))
	}
	return result
}
