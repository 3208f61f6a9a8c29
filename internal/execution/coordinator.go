package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/exchange"
	"fundingarb/internal/market"
	"fundingarb/internal/metrics"
	"fundingarb/internal/models"
	"fundingarb/pkg/fault"
)

// VaultReader выдает расшифрованные ключи биржи
type VaultReader interface {
	GetPlaintext(ctx context.Context, exchange string) (*models.Credential, error)
}

// PositionStore - журнал парных позиций
type PositionStore interface {
	Insert(ctx context.Context, position *models.Position) error
	GetByID(ctx context.Context, id string) (*models.Position, error)
	ListByStatuses(ctx context.Context, statuses []string) ([]*models.Position, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// OrderStore - журнал ордеров. Каждая попытка ноги оставляет запись.
type OrderStore interface {
	Insert(ctx context.Context, order *models.Order) error
}

// RiskLedger - журнал событий риска, только добавление
type RiskLedger interface {
	Append(ctx context.Context, event *models.RiskEvent) error
}

// SnapshotSource отдает собранные снимки фандинга всех бирж
type SnapshotSource interface {
	FetchAll(ctx context.Context, forceRefresh bool) (*market.Result, error)
}

// OpportunityScanner строит арбитражные пары из снимков
type OpportunityScanner interface {
	ScanOpportunities(snapshots []models.FundingSnapshot, minSpread float64) []models.Opportunity
}

// AdapterFactory строит адаптер биржи с ключами конкретного запроса
type AdapterFactory func(name string, opts exchange.Options) (exchange.Adapter, error)

// Deps - зависимости координатора
type Deps struct {
	Vault     VaultReader
	Positions PositionStore
	Orders    OrderStore
	Risks     RiskLedger
	Market    SnapshotSource
	Scanner   OpportunityScanner
	Adapters  AdapterFactory
}

// Config - таймауты торговых и вспомогательных вызовов
type Config struct {
	OrderTimeout time.Duration // один ордерный вызов к бирже
	DataTimeout  time.Duration // плечо, размер контракта
}

// Coordinator исполняет двуногие операции поверх адаптеров бирж.
// Порядок ног фиксирован: сначала long, затем short. Журнал ордеров
// и события риска записываются до возврата ответа.
type Coordinator struct {
	vault     VaultReader
	positions PositionStore
	orders    OrderStore
	risks     RiskLedger
	market    SnapshotSource
	scanner   OpportunityScanner
	adapters  AdapterFactory
	cfg       Config
	log       *zap.Logger

	// переопределяется в тестах
	now func() time.Time
}

// NewCoordinator создает координатор исполнения
func NewCoordinator(deps Deps, cfg Config, log *zap.Logger) *Coordinator {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = 5 * time.Second
	}
	return &Coordinator{
		vault:     deps.Vault,
		positions: deps.Positions,
		orders:    deps.Orders,
		risks:     deps.Risks,
		market:    deps.Market,
		scanner:   deps.Scanner,
		adapters:  deps.Adapters,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// legSpec - параметры одной ноги для runLeg
type legSpec struct {
	action       string
	positionID   *string
	adapter      exchange.Adapter
	exchange     string
	symbol       string
	side         string
	quantity     float64 // базовый актив
	reduceOnly   bool
	contractSize float64 // 0, если не резолвился
	note         string
}

// Open открывает парную позицию: long нога первой, short второй.
// Провал short ноги откатывает long закрывающим ордером. Нога со
// статусом pending никогда не откатывается: исполнение неизвестно.
func (c *Coordinator) Open(ctx context.Context, req *OpenRequest) (*Report, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	longLegCtx, err := c.prepareLeg(ctx, req.LongExchange, req.Credentials, req.Symbol)
	if err != nil {
		return nil, err
	}
	shortLegCtx, err := c.prepareLeg(ctx, req.ShortExchange, req.Credentials, req.Symbol)
	if err != nil {
		return nil, err
	}

	// Плечо на обеих биржах до ордеров: неторгуемое плечо должно
	// останавливать открытие, пока ни один ордер не размещен.
	if err := c.applyLeverage(ctx, longLegCtx.adapter, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}
	if err := c.applyLeverage(ctx, shortLegCtx.adapter, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	position := &models.Position{
		Symbol:          req.Symbol,
		LongExchange:    req.LongExchange,
		ShortExchange:   req.ShortExchange,
		LongQty:         req.Quantity,
		ShortQty:        req.Quantity,
		Leverage:        req.Leverage,
		Status:          models.PositionStatusOpening,
		EntrySpreadRate: c.resolveSpread(ctx, req.Symbol, req.LongExchange, req.ShortExchange),
	}
	if req.Note != "" {
		position.Extra = models.JSONMap{"note": req.Note}
	}
	// Строка позиции до первой ноги: ордера ссылаются на нее по FK
	if err := c.positions.Insert(ctx, position); err != nil {
		return nil, err
	}
	metrics.PositionsByStatus.WithLabelValues(models.PositionStatusOpening).Inc()

	longLeg, longTimeoutRisk := c.runLeg(ctx, legSpec{
		action:       models.OrderActionOpen,
		positionID:   &position.ID,
		adapter:      longLegCtx.adapter,
		exchange:     req.LongExchange,
		symbol:       req.Symbol,
		side:         exchange.SideBuy,
		quantity:     req.Quantity,
		contractSize: longLegCtx.contractSize,
		note:         req.Note,
	})

	switch longLeg.Status {
	case models.OrderStatusFailed:
		riskID := c.appendRisk(ctx, models.RiskOpenFirstLegFailed, models.SeverityHigh,
			fmt.Sprintf("first leg order failed on %s: %s", req.LongExchange, longLeg.Message),
			legContext(&position.ID, longLeg))
		c.setStatus(ctx, position, models.PositionStatusOpenFailed)
		return c.report(false, models.OrderActionOpen, &position.ID, []LegResult{longLeg}, riskID,
			"open failed: first leg order rejected"), nil
	case models.OrderStatusPending:
		// Исполнение первой ноги неизвестно: вторую не размещаем,
		// возможная односторонняя экспозиция уходит оператору.
		c.setStatus(ctx, position, models.PositionStatusRiskExposed)
		return c.report(false, models.OrderActionOpen, &position.ID, []LegResult{longLeg}, longTimeoutRisk,
			"open unresolved: first leg order status unknown, manual reconciliation required"), nil
	}

	shortLeg, _ := c.runLeg(ctx, legSpec{
		action:       models.OrderActionOpen,
		positionID:   &position.ID,
		adapter:      shortLegCtx.adapter,
		exchange:     req.ShortExchange,
		symbol:       req.Symbol,
		side:         exchange.SideSell,
		quantity:     req.Quantity,
		contractSize: shortLegCtx.contractSize,
		note:         req.Note,
	})
	legs := []LegResult{longLeg, shortLeg}

	switch shortLeg.Status {
	case models.OrderStatusPending:
		riskID := c.appendRisk(ctx, models.RiskOpenSecondLegUnresolved, models.SeverityCritical,
			fmt.Sprintf("second leg order status unknown on %s, manual reconciliation required", req.ShortExchange),
			legContext(&position.ID, legs...))
		c.setStatus(ctx, position, models.PositionStatusRiskExposed)
		return c.report(false, models.OrderActionOpen, &position.ID, legs, riskID,
			"open unresolved: second leg order status unknown"), nil
	case models.OrderStatusFailed:
		rollbackLeg, _ := c.runLeg(ctx, legSpec{
			action:       models.OrderActionRollback,
			positionID:   &position.ID,
			adapter:      longLegCtx.adapter,
			exchange:     req.LongExchange,
			symbol:       req.Symbol,
			side:         exchange.SideSell,
			quantity:     req.Quantity,
			reduceOnly:   true,
			contractSize: longLegCtx.contractSize,
		})
		legs = append(legs, rollbackLeg)

		if rollbackLeg.Status == models.OrderStatusOK {
			metrics.RecordRollback(true)
			riskID := c.appendRisk(ctx, models.RiskOpenSecondLegRolledBack, models.SeverityHigh,
				fmt.Sprintf("second leg order failed on %s, first leg rolled back on %s",
					req.ShortExchange, req.LongExchange),
				legContext(&position.ID, legs...))
			c.setStatus(ctx, position, models.PositionStatusOpenFailed)
			return c.report(false, models.OrderActionOpen, &position.ID, legs, riskID,
				"open failed: second leg order rejected, first leg rolled back"), nil
		}

		metrics.RecordRollback(false)
		riskID := c.appendRisk(ctx, models.RiskRollbackFailed, models.SeverityCritical,
			fmt.Sprintf("rollback of first leg failed on %s, naked %s long remains",
				req.LongExchange, req.Symbol),
			legContext(&position.ID, legs...))
		c.setStatus(ctx, position, models.PositionStatusRiskExposed)
		return c.report(false, models.OrderActionOpen, &position.ID, legs, riskID,
			"open failed: second leg order rejected, rollback failed"), nil
	}

	c.setStatus(ctx, position, models.PositionStatusOpen)
	c.log.Info("paired position opened",
		zap.String("position_id", position.ID),
		zap.String("symbol", req.Symbol),
		zap.String("long", req.LongExchange),
		zap.String("short", req.ShortExchange),
		zap.Float64("quantity", req.Quantity))
	return c.report(true, models.OrderActionOpen, &position.ID, legs, nil, "open executed"), nil
}

// Close закрывает обе ноги reduce-only ордерами. Откат при частичном
// закрытии не выполняется: полузакрытое состояние эскалируется как
// критическое событие риска.
func (c *Coordinator) Close(ctx context.Context, req *CloseRequest) (*Report, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	plan, err := c.resolveClosePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	longLegCtx, err := c.prepareLeg(ctx, plan.longExchange, req.Credentials, plan.symbol)
	if err != nil {
		return nil, err
	}
	shortLegCtx, err := c.prepareLeg(ctx, plan.shortExchange, req.Credentials, plan.symbol)
	if err != nil {
		return nil, err
	}

	var positionID *string
	if plan.position != nil {
		positionID = &plan.position.ID
	}

	longLeg, longTimeoutRisk := c.runLeg(ctx, legSpec{
		action:       models.OrderActionClose,
		positionID:   positionID,
		adapter:      longLegCtx.adapter,
		exchange:     plan.longExchange,
		symbol:       plan.symbol,
		side:         exchange.SideSell,
		quantity:     plan.longQty,
		reduceOnly:   true,
		contractSize: longLegCtx.contractSize,
		note:         req.Note,
	})

	switch longLeg.Status {
	case models.OrderStatusFailed:
		riskID := c.appendRisk(ctx, models.RiskCloseFirstLegFailed, models.SeverityHigh,
			fmt.Sprintf("close first leg failed on %s: %s", plan.longExchange, longLeg.Message),
			legContext(positionID, longLeg))
		c.setPlanStatus(ctx, plan, models.PositionStatusCloseFailed)
		return c.report(false, models.OrderActionClose, positionID, []LegResult{longLeg}, riskID,
			"close failed: first leg order rejected"), nil
	case models.OrderStatusPending:
		// Reduce-only повтор безопасен, поэтому pending первой ноги
		// остается в close_failed, а не в risk_exposed.
		c.setPlanStatus(ctx, plan, models.PositionStatusCloseFailed)
		return c.report(false, models.OrderActionClose, positionID, []LegResult{longLeg}, longTimeoutRisk,
			"close unresolved: first leg order status unknown"), nil
	}

	shortLeg, _ := c.runLeg(ctx, legSpec{
		action:       models.OrderActionClose,
		positionID:   positionID,
		adapter:      shortLegCtx.adapter,
		exchange:     plan.shortExchange,
		symbol:       plan.symbol,
		side:         exchange.SideBuy,
		quantity:     plan.shortQty,
		reduceOnly:   true,
		contractSize: shortLegCtx.contractSize,
		note:         req.Note,
	})
	legs := []LegResult{longLeg, shortLeg}

	if shortLeg.Status != models.OrderStatusOK {
		message := fmt.Sprintf("close second leg failed on %s: %s", plan.shortExchange, shortLeg.Message)
		if shortLeg.Status == models.OrderStatusPending {
			message = fmt.Sprintf("close second leg order status unknown on %s, manual reconciliation required",
				plan.shortExchange)
		}
		riskID := c.appendRisk(ctx, models.RiskCloseSecondLegFailed, models.SeverityCritical,
			message, legContext(positionID, legs...))
		c.setPlanStatus(ctx, plan, models.PositionStatusRiskExposed)
		return c.report(false, models.OrderActionClose, positionID, legs, riskID,
			"close failed: second leg did not complete, one-sided exposure remains"), nil
	}

	c.setPlanStatus(ctx, plan, models.PositionStatusClosed)
	return c.report(true, models.OrderActionClose, positionID, legs, nil, "close executed"), nil
}

// Hedge размещает одиночный аварийный ордер. Каждый вызов оставляет
// warning в журнале риска с причиной: хедж всегда ручное вмешательство.
func (c *Coordinator) Hedge(ctx context.Context, req *HedgeRequest) (*Report, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	legCtx, err := c.prepareLeg(ctx, req.Exchange, req.Credentials, req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Leverage > 0 {
		if err := c.applyLeverage(ctx, legCtx.adapter, req.Symbol, req.Leverage); err != nil {
			return nil, err
		}
	}

	leg, timeoutRisk := c.runLeg(ctx, legSpec{
		action:       models.OrderActionHedge,
		adapter:      legCtx.adapter,
		exchange:     req.Exchange,
		symbol:       req.Symbol,
		side:         req.Side,
		quantity:     req.Quantity,
		contractSize: legCtx.contractSize,
		note:         req.Reason,
	})

	auditMessage := fmt.Sprintf("hedge %s %s on %s", req.Side, req.Symbol, req.Exchange)
	if req.Reason != "" {
		auditMessage += ": " + req.Reason
	}
	auditCtx := legContext(nil, leg)
	if req.Reason != "" {
		auditCtx["reason"] = req.Reason
	}
	auditID := c.appendRisk(ctx, models.RiskHedgeExecuted, models.SeverityWarning, auditMessage, auditCtx)

	switch leg.Status {
	case models.OrderStatusOK:
		return c.report(true, models.OrderActionHedge, nil, []LegResult{leg}, auditID, "hedge executed"), nil
	case models.OrderStatusPending:
		if timeoutRisk != nil {
			auditID = timeoutRisk
		}
		return c.report(false, models.OrderActionHedge, nil, []LegResult{leg}, auditID,
			"hedge unresolved: order status unknown"), nil
	default:
		riskID := c.appendRisk(ctx, models.RiskHedgeFailed, models.SeverityHigh,
			fmt.Sprintf("hedge order failed on %s: %s", req.Exchange, leg.Message),
			legContext(nil, leg))
		return c.report(false, models.OrderActionHedge, nil, []LegResult{leg}, riskID,
			"hedge failed: order rejected"), nil
	}
}

// EmergencyClose закрывает все позиции с остаточной экспозицией
// (или пересечение с явным списком id) по принципу best-effort:
// отказ одной позиции не прерывает остальные.
func (c *Coordinator) EmergencyClose(ctx context.Context, req *EmergencyCloseRequest) (*Report, error) {
	// Обрыв клиентского запроса не должен рвать уже идущие ордера
	runCtx := context.WithoutCancel(ctx)

	positions, err := c.positions.ListByStatuses(runCtx, EmergencyCloseStatuses)
	if err != nil {
		return nil, err
	}
	if len(req.PositionIDs) > 0 {
		wanted := make(map[string]struct{}, len(req.PositionIDs))
		for _, id := range req.PositionIDs {
			wanted[id] = struct{}{}
		}
		filtered := positions[:0]
		for _, p := range positions {
			if _, ok := wanted[p.ID]; ok {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}

	legs := make([]LegResult, 0, len(positions)*2)
	failed := 0
	for _, p := range positions {
		closeReport, closeErr := c.Close(runCtx, &CloseRequest{
			PositionID:  p.ID,
			Credentials: req.Credentials,
		})
		if closeErr != nil {
			failed++
			c.appendRisk(runCtx, models.RiskEmergencyCloseFailed, models.SeverityHigh,
				fmt.Sprintf("emergency close of position %s aborted: %v", p.ID, closeErr),
				models.JSONMap{"position_id": p.ID})
			continue
		}
		legs = append(legs, closeReport.Legs...)
		if !closeReport.Success {
			failed++
		}
	}

	message := fmt.Sprintf("emergency close finished: total %d, failed %d", len(positions), failed)
	c.log.Info("emergency close completed",
		zap.Int("total", len(positions)),
		zap.Int("failed", failed))
	return c.report(failed == 0, "emergency-close", nil, legs, nil, message), nil
}

// preparedLeg - адаптер с ключами и размером контракта одной ноги
type preparedLeg struct {
	adapter      exchange.Adapter
	contractSize float64
}

// prepareLeg резолвит ключи, строит адаптер и читает размер контракта.
// Любая ошибка здесь останавливает операцию до размещения ордеров.
func (c *Coordinator) prepareLeg(ctx context.Context, exchangeName string, inline map[string]CredentialInput, symbol string) (*preparedLeg, error) {
	credential, err := c.resolveCredential(ctx, inline, exchangeName)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapters(exchangeName, exchange.Options{Credential: credential})
	if err != nil {
		return nil, err
	}
	size, err := c.contractSize(ctx, adapter, symbol)
	if err != nil {
		return nil, err
	}
	return &preparedLeg{adapter: adapter, contractSize: size}, nil
}

// resolveCredential выбирает ключи: инлайн из запроса поверх хранилища
func (c *Coordinator) resolveCredential(ctx context.Context, inline map[string]CredentialInput, exchangeName string) (*models.Credential, error) {
	if cred, ok := inline[exchangeName]; ok {
		if strings.TrimSpace(cred.APIKey) == "" || strings.TrimSpace(cred.APISecret) == "" {
			return nil, fault.Newf(fault.KindAuth, "inline credentials for %s are incomplete", exchangeName)
		}
		return &models.Credential{
			Exchange:   exchangeName,
			APIKey:     cred.APIKey,
			APISecret:  cred.APISecret,
			Passphrase: cred.Passphrase,
			Testnet:    cred.Testnet,
		}, nil
	}
	return c.vault.GetPlaintext(ctx, exchangeName)
}

// contractSize читает размер контракта. Количество в ордер уходит в
// базовом активе, адаптер пересчитывает сам; здесь размер нужен для
// ранней проверки инструмента и диагностики в журнале ордеров.
func (c *Coordinator) contractSize(ctx context.Context, adapter exchange.Adapter, symbol string) (float64, error) {
	dataCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()
	size, err := adapter.ContractSize(dataCtx, symbol)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fault.Newf(fault.KindInternal, "%s reported invalid contract size for %s", adapter.Name(), symbol)
	}
	return size, nil
}

// applyLeverage ставит плечо до ордера. Transient отказ не блокирует:
// сам ордер упадет с тем же сбоем, а окно возможности уйдет на повторе.
func (c *Coordinator) applyLeverage(ctx context.Context, adapter exchange.Adapter, symbol string, leverage float64) error {
	dataCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()
	if err := adapter.SetLeverage(dataCtx, symbol, leverage); err != nil {
		if fault.KindOf(err) == fault.KindTransient {
			c.log.Warn("set leverage failed transiently, proceeding",
				zap.String("exchange", adapter.Name()),
				zap.String("symbol", symbol),
				zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// runLeg размещает рыночный ордер одной ноги и записывает журнал.
// Таймаут после отправки дает статус pending и warning о сверке:
// исполнение неизвестно, автоматический откат запрещен.
func (c *Coordinator) runLeg(ctx context.Context, spec legSpec) (LegResult, *string) {
	leg := LegResult{
		Exchange: spec.exchange,
		Symbol:   spec.symbol,
		Side:     spec.side,
		Quantity: spec.quantity,
	}
	extra := models.JSONMap{"reduce_only": spec.reduceOnly}
	if spec.contractSize > 0 {
		extra["contract_size"] = spec.contractSize
		extra["venue_quantity"] = spec.quantity / spec.contractSize
	}

	started := time.Now()
	orderCtx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout)
	result, err := spec.adapter.PlaceMarketOrder(orderCtx, exchange.OrderRequest{
		Symbol:     spec.symbol,
		Side:       spec.side,
		Quantity:   spec.quantity,
		ReduceOnly: spec.reduceOnly,
	})
	cancel()
	latencyMS := float64(time.Since(started).Milliseconds())

	switch {
	case err == nil:
		leg.Status = models.OrderStatusOK
		leg.Message = "order filled"
		if result.OrderID != "" {
			id := result.OrderID
			leg.OrderID = &id
		}
		filled := result.FilledQty
		leg.FilledQty = &filled
		if result.AvgPrice > 0 {
			price := result.AvgPrice
			leg.AvgPrice = &price
		}
		leg.Raw = result.Raw
		if len(result.Raw) > 0 {
			extra["raw"] = result.Raw
		}
		if result.Note != "" {
			extra["adapter_note"] = result.Note
		}
	case errors.Is(err, exchange.ErrOrderStatusUnknown):
		leg.Status = models.OrderStatusPending
		leg.Message = err.Error()
		extra["error"] = err.Error()
	default:
		leg.Status = models.OrderStatusFailed
		leg.Message = err.Error()
		extra["error"] = err.Error()
	}

	order := &models.Order{
		PositionID:      spec.positionID,
		Action:          spec.action,
		Status:          leg.Status,
		Exchange:        spec.exchange,
		Symbol:          spec.symbol,
		Side:            spec.side,
		Quantity:        spec.quantity,
		FilledQty:       leg.FilledQty,
		AvgPrice:        leg.AvgPrice,
		ExchangeOrderID: leg.OrderID,
		Note:            spec.note,
		Extra:           extra,
	}
	if insertErr := c.orders.Insert(ctx, order); insertErr != nil {
		// Ордер на бирже уже состоялся, потеря строки журнала
		// не меняет итог ноги
		c.log.Error("order journal insert failed",
			zap.String("exchange", spec.exchange),
			zap.String("action", spec.action),
			zap.Error(insertErr))
	}
	metrics.RecordOrder(spec.exchange, spec.action, leg.Status, latencyMS)

	var timeoutRisk *string
	if leg.Status == models.OrderStatusPending {
		timeoutRisk = c.appendRisk(ctx, models.RiskOrderTimeoutReconcile, models.SeverityWarning,
			fmt.Sprintf("%s order on %s timed out, fill status unknown: reconcile against the exchange",
				spec.action, spec.exchange),
			models.JSONMap{
				"order_id": order.ID,
				"exchange": spec.exchange,
				"symbol":   spec.symbol,
				"side":     spec.side,
				"quantity": spec.quantity,
			})
	}
	return leg, timeoutRisk
}

// closePlan - разрешенные параметры закрытия
type closePlan struct {
	position      *models.Position // nil для закрытия вне журнала
	symbol        string
	longExchange  string
	shortExchange string
	longQty       float64
	shortQty      float64
}

func (c *Coordinator) resolveClosePlan(ctx context.Context, req *CloseRequest) (*closePlan, error) {
	if req.PositionID == "" {
		return &closePlan{
			symbol:        req.Symbol,
			longExchange:  req.LongExchange,
			shortExchange: req.ShortExchange,
			longQty:       req.LongQuantity,
			shortQty:      req.ShortQuantity,
		}, nil
	}
	position, err := c.positions.GetByID(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	if !CanClose(position.Status) {
		return nil, fault.Newf(fault.KindValidation, "position %s in status %s cannot be closed",
			position.ID, position.Status)
	}
	return &closePlan{
		position:      position,
		symbol:        position.Symbol,
		longExchange:  position.LongExchange,
		shortExchange: position.ShortExchange,
		longQty:       position.LongQty,
		shortQty:      position.ShortQty,
	}, nil
}

// setPlanStatus обновляет статус позиции закрытия, если она в журнале
func (c *Coordinator) setPlanStatus(ctx context.Context, plan *closePlan, status string) {
	if plan.position == nil {
		return
	}
	c.setStatus(ctx, plan.position, status)
}

// setStatus переводит позицию в новый статус с проверкой перехода
func (c *Coordinator) setStatus(ctx context.Context, position *models.Position, status string) {
	if !CanTransition(position.Status, status) {
		c.log.Error("position status transition rejected",
			zap.String("position_id", position.ID),
			zap.String("from", position.Status),
			zap.String("to", status))
		return
	}
	if err := c.positions.UpdateStatus(ctx, position.ID, status); err != nil {
		c.log.Error("position status update failed",
			zap.String("position_id", position.ID),
			zap.String("status", status),
			zap.Error(err))
		return
	}
	metrics.PositionsByStatus.WithLabelValues(position.Status).Dec()
	metrics.PositionsByStatus.WithLabelValues(status).Inc()
	position.Status = status
}

// appendRisk пишет событие риска до возврата ответа вызывающему.
// Возвращает nil при сбое записи: ответ с итогом операции важнее.
func (c *Coordinator) appendRisk(ctx context.Context, eventType, severity, message string, eventContext models.JSONMap) *string {
	event := &models.RiskEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Context:   eventContext,
	}
	if err := c.risks.Append(ctx, event); err != nil {
		c.log.Error("risk event append failed",
			zap.String("event_type", eventType),
			zap.Error(err))
		return nil
	}
	metrics.RecordRiskEvent(eventType, severity)
	c.log.Warn("risk event recorded",
		zap.String("event_type", eventType),
		zap.String("severity", severity),
		zap.String("message", message))
	return &event.ID
}

// resolveSpread ищет текущий годовой спред пары для записи в позицию.
// Сбой данных не блокирует открытие, спред останется пустым.
func (c *Coordinator) resolveSpread(ctx context.Context, symbol, longExchange, shortExchange string) *float64 {
	result, err := c.market.FetchAll(ctx, false)
	if err != nil {
		c.log.Warn("entry spread lookup failed", zap.Error(err))
		return nil
	}
	for _, opp := range c.scanner.ScanOpportunities(result.Snapshots, 0) {
		if opp.Symbol == symbol && opp.LongExchange == longExchange && opp.ShortExchange == shortExchange {
			spread := opp.SpreadRate1yNominal
			return &spread
		}
	}
	return nil
}

// legContext собирает контекст события риска из ног
func legContext(positionID *string, legs ...LegResult) models.JSONMap {
	eventContext := models.JSONMap{"legs": legs}
	if positionID != nil {
		eventContext["position_id"] = *positionID
	}
	return eventContext
}

func (c *Coordinator) report(success bool, action string, positionID *string, legs []LegResult, riskEventID *string, message string) *Report {
	return &Report{
		Success:     success,
		Action:      action,
		PositionID:  positionID,
		Legs:        legs,
		RiskEventID: riskEventID,
		Message:     message,
		Timestamp:   c.now().UTC(),
	}
}
