package exchange

import (
	"strconv"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/fault"
)

// ToContracts переводит количество из базового актива в целое число
// контрактов. Двоичное деление теряет точность на мелких множителях
// вроде 0.0001, поэтому расчет идет в десятичной арифметике.
// Дробная часть отбрасывается; ноль контрактов - ошибка валидации.
func ToContracts(quantity, contractSize float64) (float64, error) {
	if quantity <= 0 {
		return 0, fault.New(fault.KindValidation, "quantity must be positive")
	}
	if contractSize <= 0 {
		return 0, fault.New(fault.KindValidation, "contract size must be positive")
	}
	contracts := decimal.NewFromFloat(quantity).
		Div(decimal.NewFromFloat(contractSize)).
		Floor()
	if contracts.IsZero() {
		return 0, fault.Newf(fault.KindValidation,
			"quantity %s is below one contract of size %s",
			formatQty(quantity), formatQty(contractSize))
	}
	result, _ := contracts.Float64()
	return result, nil
}

// FromContracts переводит число контрактов обратно в базовый актив
func FromContracts(contracts, contractSize float64) float64 {
	result, _ := decimal.NewFromFloat(contracts).
		Mul(decimal.NewFromFloat(contractSize)).
		Float64()
	return result
}

// formatQty печатает количество без экспоненты и хвостовых нулей
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
