package settlement

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/logging"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	spanPrefix = "Settlement."

	msgAlreadySettled = "invoice was already settled by another payment"
)

type Deps struct {
	Store        orders.Store
	Stage        stage.Stage
	Gateways     *gateway.Set
	Materializer *Materializer
	Notifier     *Notifier
	Log          *zap.Logger
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
	Now          func() time.Time
	// PublicBaseURL is where providers send the customer back to.
	PublicBaseURL string
}

// Orchestrator drives a payment from a pending transaction to a verified
// order or a rejection.
type Orchestrator struct {
	store    orders.Store
	stage    stage.Stage
	gateways *gateway.Set
	mat      *Materializer
	notifier *Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	baseURL  string
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:    d.Store,
		stage:    d.Stage,
		gateways: d.Gateways,
		mat:      d.Materializer,
		notifier: d.Notifier,
		log:      d.Log,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		now:      d.Now,
		baseURL:  strings.TrimRight(d.PublicBaseURL, "/"),
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.notifier == nil {
		o.notifier = NewNotifier(nil, "", o.log, o.metrics)
	}
	return o
}

// InitContext carries the customer fields some providers want on the request.
type InitContext struct {
	Description string
	Mobile      string
	Email       string
}

type Initiation struct {
	Success       bool              `json:"success"`
	TransactionID string            `json:"transaction_id"`
	InvoiceID     string            `json:"invoice_id"`
	Gateway       string            `json:"gateway"`
	RedirectURL   string            `json:"redirect_url,omitempty"`
	FormData      map[string]string `json:"form_data,omitempty"`
	Message       string            `json:"message"`
}

// Outcome is the state of a transaction after a verify attempt.
type Outcome struct {
	TransactionID string        `json:"transaction_id"`
	InvoiceID     string        `json:"invoice_id"`
	Status        orders.Status `json:"status"`
	Message       string        `json:"message"`
	OrderID       string        `json:"order_id,omitempty"`
	OrderNumber   string        `json:"order_number,omitempty"`
	// Replayed is set when the transaction was already terminal and nothing ran.
	Replayed bool `json:"replayed"`
}

func (o *Orchestrator) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, spanPrefix+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *Orchestrator) callbackURL(t gateway.Type) string {
	return o.baseURL + "/payments/" + string(t) + "/callback"
}

// InitiatePayment opens a pending transaction on an unpaid invoice and asks
// the gateway to start the payment. A provider refusal is not an error: the
// transaction is rejected and the result carries the customer message.
func (o *Orchestrator) InitiatePayment(ctx context.Context, tc tenant.Context, invoiceID string, gatewayID int64, ic InitContext) (_ *Initiation, err error) {
	ctx, span := o.span(ctx, "InitiatePayment",
		attribute.String("tenant.id", tc.ID), attribute.String("invoice.id", invoiceID), attribute.Int64("gateway.id", gatewayID))
	defer func() { endSpan(span, err) }()
	log := logging.FromContext(ctx, o.log).With(zap.String("invoice_id", invoiceID), zap.Int64("gateway_id", gatewayID))

	cfg, adapter, err := o.gateways.ByID(tc.ID, gatewayID)
	if err != nil || !cfg.IsActive || !adapter.IsAvailable() {
		return nil, fmt.Errorf("%w: gateway %d", ErrGatewayUnavailable, gatewayID)
	}
	log = log.With(zap.String("gateway", string(cfg.Type)))

	t := &orders.Transaction{
		ID:        uuid.NewString(),
		TenantID:  tc.ID,
		InvoiceID: invoiceID,
		GatewayID: cfg.ID,
		Status:    orders.StatusPending,
	}
	err = o.store.InTx(ctx, func(tx orders.Tx) error {
		inv, err := tx.LockInvoice(ctx, tc.ID, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != orders.InvoiceUnpaid || inv.OrderID != nil {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotPayable, inv.ID, inv.Status)
		}
		t.Amount = inv.Amount
		if inv.PaymentGatewayID != cfg.ID {
			inv.PaymentGatewayID = cfg.ID
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
		}
		return tx.CreateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", t.ID))

	res := adapter.Initiate(ctx, gateway.Payment{
		TransactionID: t.ID,
		InvoiceID:     invoiceID,
		Amount:        t.Amount,
		Description:   ic.Description,
		Mobile:        ic.Mobile,
		Email:         ic.Email,
		CallbackURL:   o.callbackURL(cfg.Type),
	})

	err = o.store.InTx(ctx, func(tx orders.Tx) error {
		cur, err := tx.LockTransaction(ctx, tc.ID, t.ID)
		if err != nil {
			return err
		}
		cur.Message = res.Message
		if res.Success {
			cur.GatewayRef = res.GatewayRef
		} else if orders.CanTransition(cur.Status, orders.StatusRejected) {
			cur.Status = orders.StatusRejected
		}
		return tx.UpdateTransaction(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	out := &Initiation{
		Success:       res.Success,
		TransactionID: t.ID,
		InvoiceID:     invoiceID,
		Gateway:       string(cfg.Type),
		RedirectURL:   res.RedirectURL,
		FormData:      res.FormData,
		Message:       res.Message,
	}
	if res.Success {
		o.metrics.PaymentInitiated(string(cfg.Type), "started")
		log.Info("payment_initiated", zap.String("transaction_id", t.ID), zap.Int64("amount", t.Amount))
	} else {
		o.metrics.PaymentInitiated(string(cfg.Type), "rejected")
		log.Warn("payment_initiation_rejected", zap.String("transaction_id", t.ID), zap.String("message", res.Message))
	}
	return out, nil
}

// VerifyPayment settles a transaction at most once. A terminal transaction
// returns its stored outcome without touching the provider, the order or the
// stage, which makes repeated webhooks and polls harmless.
func (o *Orchestrator) VerifyPayment(ctx context.Context, tc tenant.Context, transactionID string, cb gateway.CallbackData) (_ *Outcome, err error) {
	ctx, span := o.span(ctx, "VerifyPayment",
		attribute.String("tenant.id", tc.ID), attribute.String("transaction.id", transactionID))
	defer func() { endSpan(span, err) }()
	return o.verify(ctx, span, tc, transactionID, cb, gateway.DecisionNone)
}

// DecideTransfer applies an admin review to the card transfer carrying
// reference. It is the only path that hands an adapter a decision.
func (o *Orchestrator) DecideTransfer(ctx context.Context, tc tenant.Context, reference string, approve bool) (_ *Outcome, err error) {
	ctx, span := o.span(ctx, "DecideTransfer",
		attribute.String("tenant.id", tc.ID), attribute.String("transfer.reference", reference), attribute.Bool("approve", approve))
	defer func() { endSpan(span, err) }()

	_, adapter, err := o.gateways.ByType(tc.ID, gateway.TypeCardTransfer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, gateway.TypeCardTransfer)
	}
	cb := gateway.CallbackData{"reference": reference}
	cr := adapter.Callback(ctx, cb)
	if !cr.Success || cr.TransactionID == "" {
		return nil, ErrCallbackUnmatched
	}
	decision := gateway.DecisionReject
	if approve {
		decision = gateway.DecisionApprove
	}
	logging.FromContext(ctx, o.log).Info("card_transfer_reviewed",
		zap.String("transaction_id", cr.TransactionID), zap.String("decision", string(decision)))
	return o.verify(ctx, span, tc, cr.TransactionID, cb, decision)
}

func (o *Orchestrator) verify(ctx context.Context, span trace.Span, tc tenant.Context, transactionID string, cb gateway.CallbackData, decision gateway.Decision) (*Outcome, error) {
	t, err := o.store.Transaction(ctx, tc.ID, transactionID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("invoice.id", t.InvoiceID))
	log := logging.FromContext(ctx, o.log).With(zap.String("transaction_id", t.ID), zap.String("invoice_id", t.InvoiceID))

	cfg, adapter, err := o.gateways.ByID(tc.ID, t.GatewayID)
	gw := "unknown"
	if err == nil {
		gw = string(cfg.Type)
	}
	if t.Status.Terminal() {
		o.metrics.Verification(gw, "replayed")
		return o.replay(ctx, t), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: gateway %d", ErrGatewayUnavailable, t.GatewayID)
	}
	log = log.With(zap.String("gateway", gw))

	vr := adapter.Verify(ctx, gateway.Verification{TransactionID: t.ID, GatewayRef: t.GatewayRef, Amount: t.Amount, Decision: decision}, cb)
	switch {
	case vr.Success && vr.Verified:
		return o.settle(ctx, tc, t, gw, vr, cb, log)
	case vr.Success:
		o.metrics.Verification(gw, "pending")
		log.Debug("payment_not_settled_yet", zap.String("message", vr.Message))
		return &Outcome{TransactionID: t.ID, InvoiceID: t.InvoiceID, Status: orders.StatusPending, Message: vr.Message}, nil
	default:
		return o.reject(ctx, tc, t, gw, vr, cb, log)
	}
}

// HandleCallback resolves the transaction from the provider's own reference
// and verifies it. Redelivery of the same callback is answered from the
// stored outcome.
func (o *Orchestrator) HandleCallback(ctx context.Context, tc tenant.Context, gatewayType string, cb gateway.CallbackData) (_ *Outcome, err error) {
	ctx, span := o.span(ctx, "HandleCallback",
		attribute.String("tenant.id", tc.ID), attribute.String("gateway.type", gatewayType))
	defer func() { endSpan(span, err) }()

	typ, err := gateway.ParseType(gatewayType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, gatewayType)
	}
	_, adapter, err := o.gateways.ByType(tc.ID, typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, typ)
	}
	cr := adapter.Callback(ctx, cb)
	if !cr.Success || cr.TransactionID == "" {
		logging.FromContext(ctx, o.log).Warn("payment_callback_unmatched",
			zap.String("gateway", string(typ)), zap.String("message", cr.Message))
		return nil, ErrCallbackUnmatched
	}
	return o.VerifyPayment(ctx, tc, cr.TransactionID, cb)
}

func (o *Orchestrator) replay(ctx context.Context, t *orders.Transaction) *Outcome {
	out := &Outcome{TransactionID: t.ID, InvoiceID: t.InvoiceID, Status: t.Status, Message: t.Message, Replayed: true}
	if t.Status == orders.StatusVerified {
		if ord, err := o.store.OrderByInvoice(ctx, t.TenantID, t.InvoiceID); err == nil {
			out.OrderID, out.OrderNumber = ord.ID, ord.Number
		}
	}
	return out
}

func mergeCallback(cb gateway.CallbackData, data map[string]any) map[string]string {
	out := make(map[string]string, len(cb)+len(data))
	maps.Copy(out, cb)
	for k, v := range data {
		out["gateway_"+k] = fmt.Sprint(v)
	}
	return out
}

func (o *Orchestrator) settle(ctx context.Context, tc tenant.Context, t *orders.Transaction, gw string, vr gateway.VerifyResult, cb gateway.CallbackData, log *zap.Logger) (*Outcome, error) {
	var (
		out *Outcome
		mat *Materialized
	)
	err := o.store.InTx(ctx, func(tx orders.Tx) error {
		out, mat = nil, nil
		cur, err := tx.LockTransaction(ctx, tc.ID, t.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			// Lost the race to a concurrent callback or poll.
			out = &Outcome{TransactionID: cur.ID, InvoiceID: cur.InvoiceID, Status: cur.Status, Message: cur.Message, Replayed: true}
			return nil
		}
		inv, err := tx.LockInvoice(ctx, tc.ID, cur.InvoiceID)
		if err != nil {
			return err
		}

		msg := vr.Message
		if inv.OrderID == nil {
			if mat, err = o.mat.Materialize(ctx, tx, tc, inv, cur); err != nil {
				return err
			}
		} else {
			// A second paid transaction on a settled invoice: keep the money
			// trail, never build a second order.
			msg = msgAlreadySettled
			log.Warn("payment_duplicate_for_settled_invoice", zap.String("order_id", *inv.OrderID))
		}

		now := o.now().UTC()
		cur.Status = orders.StatusVerified
		cur.VerifiedAt = &now
		cur.Message = msg
		cur.CallbackData = mergeCallback(cb, vr.Data)
		if err := tx.UpdateTransaction(ctx, cur); err != nil {
			return err
		}
		out = &Outcome{TransactionID: cur.ID, InvoiceID: cur.InvoiceID, Status: cur.Status, Message: msg}
		if mat != nil {
			out.OrderID, out.OrderNumber = mat.Order.ID, mat.Order.Number
		} else {
			out.OrderID = *inv.OrderID
		}
		return nil
	})
	if err != nil {
		reason, permanent := failureReason(err)
		o.metrics.Materialization("failed")
		if permanent {
			log.Error("settlement_failed", zap.String("reason", reason), zap.Error(err))
			o.notifier.SettlementFailed(ctx, tc, t, reason, err)
			return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		}
		log.Error("settlement_error", zap.Error(err))
		return nil, err
	}
	if out.Replayed {
		o.metrics.Verification(gw, "replayed")
		return o.replay(ctx, &orders.Transaction{ID: out.TransactionID, TenantID: tc.ID, InvoiceID: out.InvoiceID, Status: out.Status, Message: out.Message}), nil
	}

	o.metrics.Verification(gw, "verified")
	if mat == nil {
		return out, nil
	}
	o.metrics.Materialization("created")
	log.Info("payment_verified", zap.String("order_id", mat.Order.ID), zap.String("order_number", mat.Order.Number),
		zap.Int("items", len(mat.Items)), zap.Int64("total", mat.Order.Total))

	if err := o.stage.Delete(ctx, t.InvoiceID); err != nil {
		log.Warn("stage_delete_failed", zap.Error(err))
	}
	o.notifier.OrderMaterialized(ctx, tc, t, mat)
	return out, nil
}

func (o *Orchestrator) reject(ctx context.Context, tc tenant.Context, t *orders.Transaction, gw string, vr gateway.VerifyResult, cb gateway.CallbackData, log *zap.Logger) (*Outcome, error) {
	var (
		out       *Outcome
		cancelled bool
	)
	err := o.store.InTx(ctx, func(tx orders.Tx) error {
		out, cancelled = nil, false
		cur, err := tx.LockTransaction(ctx, tc.ID, t.ID)
		if err != nil {
			return err
		}
		if !orders.CanTransition(cur.Status, orders.StatusRejected) {
			out = &Outcome{TransactionID: cur.ID, InvoiceID: cur.InvoiceID, Status: cur.Status, Message: cur.Message, Replayed: true}
			return nil
		}
		cur.Status = orders.StatusRejected
		cur.Message = vr.Message
		cur.CallbackData = mergeCallback(cb, vr.Data)
		if err := tx.UpdateTransaction(ctx, cur); err != nil {
			return err
		}

		inv, err := tx.LockInvoice(ctx, tc.ID, cur.InvoiceID)
		if err != nil {
			return err
		}
		if inv.OrderID == nil && inv.Status == orders.InvoiceUnpaid {
			inv.Status = orders.InvoiceCancelled
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			cancelled = true
		}
		out = &Outcome{TransactionID: cur.ID, InvoiceID: cur.InvoiceID, Status: cur.Status, Message: cur.Message}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Replayed {
		o.metrics.Verification(gw, "replayed")
		return o.replay(ctx, &orders.Transaction{ID: out.TransactionID, TenantID: tc.ID, InvoiceID: out.InvoiceID, Status: out.Status, Message: out.Message}), nil
	}

	o.metrics.Verification(gw, "rejected")
	log.Info("payment_rejected", zap.String("message", vr.Message), zap.Bool("invoice_cancelled", cancelled))
	if cancelled {
		if err := o.stage.Delete(ctx, t.InvoiceID); err != nil {
			log.Warn("stage_delete_failed", zap.Error(err))
		}
	}
	return out, nil
}
