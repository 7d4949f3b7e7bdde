package collab

import (
	"context"
	"fmt"
	"strings"
)

// BaselineExpertAnalyze is a rule-based stand-in for a full expert agent.
// It recommends entering the market only when the caller states a growth
// objective and names at least one asset; otherwise it holds.
func BaselineExpertAnalyze(_ context.Context, req AnalysisRequest) (*Report, error) {
	objective := strings.ToLower(req.Goals.Objective)
	growth := strings.Contains(objective, "grow") ||
		strings.Contains(objective, "增值") ||
		strings.Contains(objective, "profit")

	if !growth || len(req.Goals.Assets) == 0 {
		return &Report{
			Proceed:    false,
			Action:     "hold",
			Summary:    "目标不明确，建议观望",
			Confidence: 0.5,
		}, nil
	}
	return &Report{
		Proceed:    true,
		Action:     "buy " + strings.Join(req.Goals.Assets, ","),
		Summary:    fmt.Sprintf("目标 %q 支持建仓 %d 项资产", req.Goals.Objective, len(req.Goals.Assets)),
		Confidence: 0.6,
	}, nil
}

// BaselineRiskAnalyze is a rule-based stand-in for a full risk agent. The
// risk score tracks the requested exposure; anything above half the
// portfolio is vetoed outright.
func BaselineRiskAnalyze(_ context.Context, req AnalysisRequest) (*Report, error) {
	exposure := req.Constraints.MaxExposure
	if exposure <= 0 {
		return &Report{
			Proceed:   false,
			RiskScore: 1,
			Summary:   "未声明最大敞口，默认拒绝",
		}, nil
	}

	// Assets outside the allow list fail the check regardless of exposure.
	if len(req.Constraints.AllowedAssets) > 0 {
		allowed := make(map[string]struct{}, len(req.Constraints.AllowedAssets))
		for _, asset := range req.Constraints.AllowedAssets {
			allowed[strings.ToUpper(asset)] = struct{}{}
		}
		for _, asset := range req.Goals.Assets {
			if _, ok := allowed[strings.ToUpper(asset)]; !ok {
				return &Report{
					Proceed:   false,
					RiskScore: 1,
					Summary:   fmt.Sprintf("资产 %s 不在许可清单内", asset),
				}, nil
			}
		}
	}

	report := &Report{RiskScore: exposure}
	if exposure > 0.5 {
		report.Proceed = false
		report.Summary = fmt.Sprintf("敞口 %.2f 超过上限 0.50", exposure)
	} else {
		report.Proceed = true
		report.Summary = fmt.Sprintf("敞口 %.2f 在可接受区间", exposure)
	}
	return report, nil
}
