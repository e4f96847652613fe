package metrics

import (
	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/routing"
	"wallets-quickstart/internal/toolpolicy"
)

// ObserveRoute 记录一次路由决策，可直接作为 routing.WithDecisionObserver 的回调。
func ObserveRoute(decision routing.Decision) {
	defaultCollector.observeRoute(decision)
}

// ObserveRun 记录一次运行的终态与各动作的尝试次数，可作为执行器的运行观察者。
func ObserveRun(run *executor.Run) {
	defaultCollector.observeRun(run)
}

// ObserveSuppression 记录一次工具屏蔽，满足 toolpolicy.SuppressionObserver。
func ObserveSuppression(mode toolpolicy.RagMode, policy toolpolicy.Policy) {
	defaultCollector.observeSuppression(mode, policy)
}

func (c *collector) observeRoute(decision routing.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[labelPair{a: string(decision.Source), b: string(decision.WorkflowID)}]++
}

func (c *collector) observeRun(run *executor.Run) {
	if run == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[labelPair{a: run.Workflow, b: string(run.State)}]++
	for _, report := range append(append([]executor.ActionReport(nil), run.Actions...), run.Rollbacks...) {
		if report.Attempts == 0 {
			continue
		}
		failed := report.Attempts
		if report.State == executor.ActionSucceeded {
			failed--
			c.retries[labelPair{a: report.Tool, b: "success"}]++
		}
		if failed > 0 {
			c.retries[labelPair{a: report.Tool, b: "failure"}] += uint64(failed)
		}
	}
}

func (c *collector) observeSuppression(mode toolpolicy.RagMode, policy toolpolicy.Policy) {
	label := string(mode)
	if label == "" {
		label = "unset"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressions[labelPair{a: label, b: string(policy)}]++
}
