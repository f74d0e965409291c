package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
)

// =============================================================================
// LEDGER SERVICE - Every mutation path, each followed by reconciliation
// =============================================================================

// Service owns the ledger write paths. Each operation validates its input,
// applies the change inside the driver's transaction and reconciles the
// weeks it touched before committing, so ledgers and settlements never
// disagree after a successful call.
type Service struct {
	store  Store
	engine *Engine
	log    *zap.SugaredLogger
	newID  func() string
	now    func() time.Time
}

func NewService(store Store, engine *Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		log:    logger.GetLogger().Named("ledger"),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Driver(ctx context.Context, id DriverID) (Driver, error) {
	return s.store.Driver(ctx, id)
}

func (s *Service) Drivers(ctx context.Context) ([]Driver, error) {
	return s.store.ListDrivers(ctx)
}

func (s *Service) Plans(ctx context.Context, driverID DriverID) ([]InstallmentPlan, error) {
	return s.store.Plans(ctx, driverID)
}

func (s *Service) EarningsForWeek(ctx context.Context, driverID DriverID, week ServiceWeek) ([]DailyEarningsRecord, error) {
	return s.store.EarningsForWeek(ctx, driverID, week)
}

func (s *Service) ChargesForWeek(ctx context.Context, driverID DriverID, week ServiceWeek) ([]AdditionalChargeLine, error) {
	return s.store.ChargesForWeek(ctx, driverID, week)
}

// ----------------------------------------------------------------------------
// Drivers
// ----------------------------------------------------------------------------

// UpsertDriver saves a driver. When a tax registration or the site changes,
// every week of the driver is reconciled in week order.
func (s *Service) UpsertDriver(ctx context.Context, d Driver) ([]WeeklySettlement, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	return s.engine.Apply(ctx, d.ID, func(ctx context.Context, tx Tx) (Scope, error) {
		old, err := tx.Driver(ctx, d.ID)
		isNew := err != nil
		if isNew && !IsNotFound(err) {
			return Scope{}, err
		}
		if err := tx.SaveDriver(ctx, d); err != nil {
			return Scope{}, fmt.Errorf("save driver %s: %w", d.ID, err)
		}
		if isNew || taxOrSiteChanged(old, d) {
			s.log.Infow("Driver profile changed, reconciling all weeks", "driverID", d.ID, "new", isNew)
			return AllWeeks(), nil
		}
		return Scope{}, nil
	}, Scope{})
}

func taxOrSiteChanged(a, b Driver) bool {
	return a.Site != b.Site ||
		a.Personal.Number != b.Personal.Number || !a.Personal.EffectiveFrom.Equal(b.Personal.EffectiveFrom) ||
		a.Company.Number != b.Company.Number || !a.Company.EffectiveFrom.Equal(b.Company.EffectiveFrom)
}

// ----------------------------------------------------------------------------
// Daily earnings
// ----------------------------------------------------------------------------

// AddEarnings records a day of work and reconciles its week, creating the
// settlement if this is the week's first record.
func (s *Service) AddEarnings(ctx context.Context, r DailyEarningsRecord) (DailyEarningsRecord, WeeklySettlement, error) {
	if err := validateEarnings(r); err != nil {
		return DailyEarningsRecord{}, WeeklySettlement{}, err
	}
	if r.ID == "" {
		r.ID = EarningsID(s.newID())
	}

	out, err := s.engine.Apply(ctx, r.DriverID, func(ctx context.Context, tx Tx) (Scope, error) {
		if _, err := tx.Driver(ctx, r.DriverID); err != nil {
			return Scope{}, err
		}
		if err := tx.InsertEarnings(ctx, r); err != nil {
			return Scope{}, fmt.Errorf("insert earnings %s: %w", r.ID, err)
		}
		return Weeks(r.Week), nil
	}, Scope{})
	if err != nil {
		return DailyEarningsRecord{}, WeeklySettlement{}, err
	}
	return r, out[0], nil
}

// UpdateEarnings replaces a record. Both the old and the new week are
// reconciled when the record moves between weeks.
func (s *Service) UpdateEarnings(ctx context.Context, r DailyEarningsRecord) ([]WeeklySettlement, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: earnings id is required", ErrInvalidInput)
	}
	if err := validateEarnings(r); err != nil {
		return nil, err
	}
	return s.engine.Apply(ctx, r.DriverID, func(ctx context.Context, tx Tx) (Scope, error) {
		old, err := tx.Earnings(ctx, r.ID)
		if err != nil {
			return Scope{}, err
		}
		if old.DriverID != r.DriverID {
			return Scope{}, fmt.Errorf("%w: earnings %s", ErrEarningsNotFound, r.ID)
		}
		if err := tx.UpdateEarnings(ctx, r); err != nil {
			return Scope{}, fmt.Errorf("update earnings %s: %w", r.ID, err)
		}
		return Weeks(old.Week, r.Week), nil
	}, Scope{})
}

// RemoveEarnings deletes a record. Removing the last record of a week
// deletes its settlement and restores the installments it had deducted.
func (s *Service) RemoveEarnings(ctx context.Context, driverID DriverID, id EarningsID) (WeeklySettlement, error) {
	out, err := s.engine.Apply(ctx, driverID, func(ctx context.Context, tx Tx) (Scope, error) {
		old, err := tx.Earnings(ctx, id)
		if err != nil {
			return Scope{}, err
		}
		if old.DriverID != driverID {
			return Scope{}, fmt.Errorf("%w: earnings %s", ErrEarningsNotFound, id)
		}
		if err := tx.DeleteEarnings(ctx, id); err != nil {
			return Scope{}, fmt.Errorf("delete earnings %s: %w", id, err)
		}
		return Weeks(old.Week), nil
	}, Scope{})
	if err != nil {
		return WeeklySettlement{}, err
	}
	return out[0], nil
}

func validateEarnings(r DailyEarningsRecord) error {
	if r.DriverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if err := r.Week.Validate(); err != nil {
		return err
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: earnings date is required", ErrInvalidInput)
	}
	for name, v := range map[string]decimal.Decimal{
		"service_rate":   r.ServiceRate,
		"byod_rate":      r.BYODRate,
		"mileage_charge": r.MileageCharge,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidAmount, name)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Additional charges
// ----------------------------------------------------------------------------

// AddCharge records an addition or deduction and reconciles its week.
// Charges alone do not create a settlement: for a week without earnings the
// returned settlement has Removed set and Version 0, and the charge is
// picked up once the first earnings record of the week arrives.
func (s *Service) AddCharge(ctx context.Context, c AdditionalChargeLine) (AdditionalChargeLine, WeeklySettlement, error) {
	if err := validateCharge(c); err != nil {
		return AdditionalChargeLine{}, WeeklySettlement{}, err
	}
	if c.ID == "" {
		c.ID = ChargeID(s.newID())
	}
	c.Amount = RoundMoney(c.Amount)

	out, err := s.engine.Apply(ctx, c.DriverID, func(ctx context.Context, tx Tx) (Scope, error) {
		if _, err := tx.Driver(ctx, c.DriverID); err != nil {
			return Scope{}, err
		}
		if err := tx.InsertCharge(ctx, c); err != nil {
			return Scope{}, fmt.Errorf("insert charge %s: %w", c.ID, err)
		}
		return Weeks(c.Week), nil
	}, Scope{})
	if err != nil {
		return AdditionalChargeLine{}, WeeklySettlement{}, err
	}
	return c, out[0], nil
}

// SignCharge marks a charge as signed, which may clear the week's
// unsigned flag.
func (s *Service) SignCharge(ctx context.Context, driverID DriverID, id ChargeID) (WeeklySettlement, error) {
	out, err := s.engine.Apply(ctx, driverID, func(ctx context.Context, tx Tx) (Scope, error) {
		c, err := s.ownedCharge(ctx, tx, driverID, id)
		if err != nil {
			return Scope{}, err
		}
		c.Signed = true
		if err := tx.UpdateCharge(ctx, c); err != nil {
			return Scope{}, fmt.Errorf("sign charge %s: %w", id, err)
		}
		return Weeks(c.Week), nil
	}, Scope{})
	if err != nil {
		return WeeklySettlement{}, err
	}
	return out[0], nil
}

// RemoveCharge deletes a charge and reconciles its week.
func (s *Service) RemoveCharge(ctx context.Context, driverID DriverID, id ChargeID) (WeeklySettlement, error) {
	out, err := s.engine.Apply(ctx, driverID, func(ctx context.Context, tx Tx) (Scope, error) {
		c, err := s.ownedCharge(ctx, tx, driverID, id)
		if err != nil {
			return Scope{}, err
		}
		if err := tx.DeleteCharge(ctx, id); err != nil {
			return Scope{}, fmt.Errorf("delete charge %s: %w", id, err)
		}
		return Weeks(c.Week), nil
	}, Scope{})
	if err != nil {
		return WeeklySettlement{}, err
	}
	return out[0], nil
}

func (s *Service) ownedCharge(ctx context.Context, tx Tx, driverID DriverID, id ChargeID) (AdditionalChargeLine, error) {
	c, err := tx.Charge(ctx, id)
	if err != nil {
		return AdditionalChargeLine{}, err
	}
	if c.DriverID != driverID {
		return AdditionalChargeLine{}, fmt.Errorf("%w: charge %s", ErrChargeNotFound, id)
	}
	return c, nil
}

func validateCharge(c AdditionalChargeLine) error {
	if c.DriverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if err := c.Week.Validate(); err != nil {
		return err
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown charge kind %q", ErrInvalidInput, c.Kind)
	}
	if c.Amount.IsNegative() {
		return fmt.Errorf("%w: charge amount is a magnitude and must not be negative", ErrInvalidAmount)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Installment plans
// ----------------------------------------------------------------------------

// CreatePlan issues a plan with its full total pending and reconciles every
// week of the driver so open weeks start paying it down.
func (s *Service) CreatePlan(ctx context.Context, p InstallmentPlan) (InstallmentPlan, []WeeklySettlement, error) {
	if p.DriverID == "" {
		return InstallmentPlan{}, nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if !p.TotalRate.IsPositive() || !p.SpreadRate.IsPositive() {
		return InstallmentPlan{}, nil, fmt.Errorf("%w: total and spread rates must be positive", ErrInvalidAmount)
	}
	if p.StartWeek != "" {
		if err := p.StartWeek.Validate(); err != nil {
			return InstallmentPlan{}, nil, err
		}
	}
	if p.ID == "" {
		p.ID = PlanID(s.newID())
	}
	p.TotalRate = RoundMoney(p.TotalRate)
	p.SpreadRate = RoundMoney(p.SpreadRate)
	p.Pending = p.TotalRate
	p.CreatedAt = s.now().UTC()

	out, err := s.engine.Apply(ctx, p.DriverID, func(ctx context.Context, tx Tx) (Scope, error) {
		if _, err := tx.Driver(ctx, p.DriverID); err != nil {
			return Scope{}, err
		}
		if _, err := tx.InsertPlan(ctx, p); err != nil {
			return Scope{}, fmt.Errorf("insert plan %s: %w", p.ID, err)
		}
		return AllWeeks(), nil
	}, Scope{})
	if err != nil {
		return InstallmentPlan{}, nil, err
	}

	created, err := s.store.Plan(ctx, p.ID)
	if err != nil {
		return InstallmentPlan{}, nil, err
	}
	return created, out, nil
}

// SignPlan records the driver's signature on a plan.
func (s *Service) SignPlan(ctx context.Context, driverID DriverID, id PlanID) ([]WeeklySettlement, error) {
	return s.editPlan(ctx, driverID, id, func(p *InstallmentPlan) error {
		p.Signed = true
		return nil
	})
}

// AmendPlan changes a plan's total and spread. What has been paid so far
// is kept: the new pending is newTotal minus the amount already deducted.
func (s *Service) AmendPlan(ctx context.Context, driverID DriverID, id PlanID, total, spread decimal.Decimal) ([]WeeklySettlement, error) {
	if !total.IsPositive() || !spread.IsPositive() {
		return nil, fmt.Errorf("%w: total and spread rates must be positive", ErrInvalidAmount)
	}
	return s.editPlan(ctx, driverID, id, func(p *InstallmentPlan) error {
		paid := p.Paid()
		newTotal := RoundMoney(total)
		if newTotal.LessThan(paid) {
			return fmt.Errorf("%w: plan %s has %s paid, new total %s is lower",
				ErrInvalidAmount, p.ID, paid.StringFixed(2), newTotal.StringFixed(2))
		}
		p.TotalRate = newTotal
		p.SpreadRate = RoundMoney(spread)
		p.Pending = SubMoney(newTotal, paid)
		return nil
	})
}

// RemovePlan deletes a plan. Settlements that deducted from it drop the
// allocation on their next reconciliation, which happens right away.
func (s *Service) RemovePlan(ctx context.Context, driverID DriverID, id PlanID) ([]WeeklySettlement, error) {
	return s.engine.Apply(ctx, driverID, func(ctx context.Context, tx Tx) (Scope, error) {
		if _, err := s.ownedPlan(ctx, tx, driverID, id); err != nil {
			return Scope{}, err
		}
		if err := tx.DeletePlan(ctx, id); err != nil {
			return Scope{}, fmt.Errorf("delete plan %s: %w", id, err)
		}
		return AllWeeks(), nil
	}, Scope{})
}

func (s *Service) editPlan(ctx context.Context, driverID DriverID, id PlanID, edit func(*InstallmentPlan) error) ([]WeeklySettlement, error) {
	return s.engine.Apply(ctx, driverID, func(ctx context.Context, tx Tx) (Scope, error) {
		p, err := s.ownedPlan(ctx, tx, driverID, id)
		if err != nil {
			return Scope{}, err
		}
		if err := edit(&p); err != nil {
			return Scope{}, err
		}
		if _, err := tx.UpdatePlan(ctx, p); err != nil {
			return Scope{}, fmt.Errorf("update plan %s: %w", id, err)
		}
		return AllWeeks(), nil
	}, Scope{})
}

func (s *Service) ownedPlan(ctx context.Context, tx Tx, driverID DriverID, id PlanID) (InstallmentPlan, error) {
	p, err := tx.Plan(ctx, id)
	if err != nil {
		return InstallmentPlan{}, err
	}
	if p.DriverID != driverID {
		return InstallmentPlan{}, fmt.Errorf("%w: plan %s", ErrPlanNotFound, id)
	}
	return p, nil
}
