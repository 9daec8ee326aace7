// Package types holds the records exchanged between the mining loop and its
// external collaborators.
package types

import "alphamine/internal/factor"

// Hypothesis 市场假设；由一轮迭代独占，生成后不可变
type Hypothesis struct {
	Theme         string   `json:"theme"`
	Rationale     string   `json:"rationale"`
	Fields        []string `json:"fields,omitempty"`
	Observations  string   `json:"observations,omitempty"`
	Justification string   `json:"justification,omitempty"`
}

// FactorTask 因子构建任务；名称在一轮迭代内唯一
type FactorTask struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Expression  string       `json:"expression"`
	Fields      []string     `json:"fields,omitempty"`
	Tree        *factor.Node `json:"tree,omitempty"` // 解析后填充
}
