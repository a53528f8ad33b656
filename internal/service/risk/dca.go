package risk

import (
	"fmt"
	"math"

	"signaltrader/internal/domain"
)

// CanAddLayer decides whether a DCA entry may stack onto the open position.
// A layer is allowed only while the position is OPEN, on the same side as
// the signal, and below the account's layer cap.
func CanAddLayer(open *domain.Position, sig domain.TradeSignal, profile domain.RiskProfile) (bool, string) {
	if open == nil || open.Status != domain.PositionOpen {
		return false, "no open position to add to"
	}
	if sig.Side != "" && sig.Side != open.Side {
		return false, fmt.Sprintf("dca side %s conflicts with open %s position", sig.Side, open.Side)
	}
	if open.DcaCount >= profile.MaxDcaLayers {
		return false, fmt.Sprintf("dca layer cap reached (%d/%d)", open.DcaCount, profile.MaxDcaLayers)
	}
	return true, ""
}

// LayerRiskAmount returns the risk budget for the next DCA layer: the base
// per-trade risk scaled geometrically by the layer index. Layer 0 is the
// initial entry.
func LayerRiskAmount(baseRisk float64, multiplier float64, layer int) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	if layer < 0 {
		layer = 0
	}
	return baseRisk * math.Pow(multiplier, float64(layer))
}
