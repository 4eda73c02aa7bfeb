package market

import (
	"fmt"
	"math"
	"time"

	"economy/internal/models"
	"economy/pkg/utils"
)

// Config - параметры рынка
type Config struct {
	FeeRate float64 // доля стоимости сделки, платит тейкер

	Alpha           float64 // чувствительность цены к дисбалансу спроса
	AlphaMin        float64
	AlphaMax        float64
	DemandSupplyMax float64 // верхняя граница сигналов спроса/предложения
	MaxMove         float64 // максимум изменения цены за одно обновление (доля)
	BandLow         float64 // нижняя граница полосы относительно предыдущей цены
	BandHigh        float64 // верхняя граница полосы
	VWAPWeight      float64 // вес VWAP сделок при смешивании

	BreakerThreshold float64       // порог движения цены от начала окна
	BreakerWindow    time.Duration // длина окна сравнения
	HaltDuration     time.Duration // остановка торгов и затем столько же расширенного спреда

	BaseDemand             float64 // спрос/предложение при справочной цене = базовой
	EssentialElasticity    float64
	NonEssentialElasticity float64

	DefaultSpreadBps int64 // спред маркет-мейкера в б.п.
	MakerQuantity    int64 // объём каждой котировки маркет-мейкера
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		FeeRate:                0.01,
		Alpha:                  0.05,
		AlphaMin:               1e-4,
		AlphaMax:               0.25,
		DemandSupplyMax:        1e6,
		MaxMove:                0.05,
		BandLow:                0.1,
		BandHigh:               10,
		VWAPWeight:             0.2,
		BreakerThreshold:       0.25,
		BreakerWindow:          4 * time.Hour,
		HaltDuration:           30 * time.Minute,
		BaseDemand:             100,
		EssentialElasticity:    0.3,
		NonEssentialElasticity: 1.2,
		DefaultSpreadBps:       200,
		MakerQuantity:          50,
	}
}

// Ограничения ордера: price × quantity и комиссия помещаются в int64
const (
	MaxOrderPrice    int64 = 1_000_000_000
	MaxOrderQuantity int64 = 1_000_000_000
)

// TradeValue - стоимость price × qty и комиссия к ней
func TradeValue(price, qty int64, rate float64) (int64, int64, error) {
	value, err := utils.MulInt64(price, qty)
	if err != nil {
		return 0, 0, fmt.Errorf("trade value %d x %d: %w", price, qty, err)
	}
	fee := Fee(value, rate)
	if _, err := utils.AddInt64(value, fee); err != nil {
		return 0, 0, fmt.Errorf("trade value %d x %d with fee: %w", price, qty, err)
	}
	return value, fee, nil
}

// Fee - комиссия сделки стоимостью value: max(1, floor(value × rate)), 0 для пустой сделки
func Fee(value int64, rate float64) int64 {
	if value <= 0 {
		return 0
	}
	fee := utils.FloorMul(value, rate)
	if fee < 1 {
		return 1
	}
	return fee
}

// boundPrice ограничивает кандидата движением ±MaxMove и полосой
// [BandLow, BandHigh] относительно prev, затем округляет.
func (c Config) boundPrice(prev int64, candidate float64) int64 {
	if prev <= 0 {
		return utils.ClampInt64(utils.RoundHalfAway(candidate), 1, math.MaxInt64)
	}

	p := float64(prev)
	lo := math.Max(p*(1-c.MaxMove), p*c.BandLow)
	hi := math.Min(p*(1+c.MaxMove), p*c.BandHigh)

	price := utils.RoundHalfAway(utils.Clamp(candidate, lo, hi))

	// после округления цена не должна выйти за границы
	loInt := int64(math.Ceil(lo - 1e-9))
	hiInt := int64(math.Floor(hi + 1e-9))
	if loInt > hiInt {
		return prev
	}
	return utils.ClampInt64(utils.ClampInt64(price, loInt, hiInt), 1, math.MaxInt64)
}

// NextReferencePrice - обновление справочной цены по спросу и предложению:
//
//	new = prev × (1 + α × (D − S) / max(S, 1))
//
// D, S и α предварительно ограничиваются, результат ограничивается boundPrice.
func (c Config) NextReferencePrice(prev int64, demand, supply float64) int64 {
	d := utils.Clamp(demand, 0, c.DemandSupplyMax)
	s := utils.Clamp(supply, 0, c.DemandSupplyMax)
	a := utils.Clamp(c.Alpha, c.AlphaMin, c.AlphaMax)

	candidate := float64(prev) * (1 + a*(d-s)/math.Max(s, 1))
	return c.boundPrice(prev, candidate)
}

// BlendVWAP смешивает справочную цену с VWAP сделок: round(prev×0.8 + vwap×0.2)
func (c Config) BlendVWAP(prev int64, vwap float64) int64 {
	if vwap <= 0 {
		return prev
	}
	w := utils.Clamp(c.VWAPWeight, 0, 1)
	candidate := float64(prev)*(1-w) + vwap*w
	return c.boundPrice(prev, candidate)
}

// DemandSupply пересчитывает сигналы по доступности (база ÷ справочная цена).
// Для необходимых товаров спрос менее эластичен.
func (c Config) DemandSupply(s *models.InstrumentState) (demand, supply float64) {
	if s.ReferencePrice <= 0 || s.BasePrice <= 0 {
		return c.BaseDemand, c.BaseDemand
	}

	elasticity := c.NonEssentialElasticity
	if s.Essential {
		elasticity = c.EssentialElasticity
	}

	affordability := float64(s.BasePrice) / float64(s.ReferencePrice)
	demand = c.BaseDemand * math.Pow(affordability, elasticity)
	supply = c.BaseDemand * math.Pow(1/affordability, elasticity)

	return utils.Clamp(demand, 0, c.DemandSupplyMax), utils.Clamp(supply, 0, c.DemandSupplyMax)
}

// ApplyReference записывает новую справочную цену в состояние и проверяет
// автомат остановки торгов. Возвращает true, если остановка сработала сейчас.
//
// Окно сравнения перезапускается каждые BreakerWindow и после срабатывания.
func (c Config) ApplyReference(s *models.InstrumentState, newRef int64, now time.Time) bool {
	if s.WindowStartedAt.IsZero() || now.Sub(s.WindowStartedAt) >= c.BreakerWindow || s.WindowRefPrice <= 0 {
		s.WindowRefPrice = s.ReferencePrice
		s.WindowStartedAt = now
	}
	s.ReferencePrice = newRef

	if s.HaltedAt(now) || s.WindowRefPrice <= 0 {
		return false
	}

	move := math.Abs(float64(newRef-s.WindowRefPrice)) / float64(s.WindowRefPrice)
	if move <= c.BreakerThreshold {
		return false
	}

	haltUntil := now.Add(c.HaltDuration)
	widenedUntil := haltUntil.Add(c.HaltDuration)
	s.HaltUntil = &haltUntil
	s.WidenedSpreadUntil = &widenedUntil
	s.WindowRefPrice = newRef
	s.WindowStartedAt = now
	return true
}

// Quotes возвращает котировки маркет-мейкера вокруг справочной цены.
// В окне после остановки спред удваивается.
func (c Config) Quotes(ref, spreadBps int64, widened bool) (bid, ask int64) {
	if spreadBps <= 0 {
		spreadBps = c.DefaultSpreadBps
	}
	if widened {
		spreadBps *= 2
	}

	half := ref * spreadBps / 20000
	if half < 1 {
		half = 1
	}

	bid = ref - half
	if bid < 1 {
		bid = 1
	}
	return bid, ref + half
}
