package exchange

import (
	"strings"

	"fundingarb/pkg/fault"
)

// Разделители базового актива в нативных обозначениях бирж.
// Порядок важен: более длинные формы проверяются первыми.
var usdtSeparators = []string{
	"/USDT:USDT",
	"-USDT-SWAP",
	"_USDT",
	"-USDT",
	"/USDT",
}

// NormalizeUSDTSymbol приводит биржевое обозначение контракта к каноническому
// BASEUSDT. Принимает формы BTCUSDT, BTC/USDT, BTC-USDT, BTC_USDT,
// BTC-USDT-SWAP и BTC/USDT:USDT. Не-USDT контракты отклоняются.
func NormalizeUSDTSymbol(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))
	if cleaned == "" {
		return "", fault.New(fault.KindValidation, "empty symbol")
	}

	base := ""
	for _, sep := range usdtSeparators {
		if idx := strings.Index(cleaned, sep); idx >= 0 {
			base = cleaned[:idx]
			break
		}
	}
	if base == "" {
		if !strings.HasSuffix(cleaned, "USDT") {
			return "", fault.Newf(fault.KindValidation, "not a USDT contract: %s", raw)
		}
		base = strings.TrimSuffix(cleaned, "USDT")
	}

	base = stripNonAlnum(base)
	if base == "" {
		return "", fault.Newf(fault.KindValidation, "cannot extract base asset: %s", raw)
	}
	return base + "USDT", nil
}

// BaseAsset возвращает базовый актив нормализованного символа (BTC из BTCUSDT)
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
