package supervisor

import (
	"stevedore/internal/common"
)

// Decision 退出后的处理决定
type Decision int

const (
	DecisionStay Decision = iota // 保持退出状态
	DecisionRestart
)

// decide 根据重启策略判定是否拉起退出的服务
//
// no: 从不重启。
// always: 任何退出都重启。
// on-failure: 只在非零退出码时重启，maxRetries 为 0 表示不限次数。
// unless-stopped: 任何退出都重启，除非操作员显式停止过该服务。
func decide(policy common.RestartPolicy, maxRetries int, exitCode int, attempt int, operatorStopped bool) Decision {
	switch policy {
	case common.RestartPolicyAlways:
		return DecisionRestart
	case common.RestartPolicyUnlessStopped:
		if operatorStopped {
			return DecisionStay
		}
		return DecisionRestart
	case common.RestartPolicyOnFailure:
		if exitCode == 0 {
			return DecisionStay
		}
		if maxRetries > 0 && attempt >= maxRetries {
			return DecisionStay
		}
		return DecisionRestart
	default:
		return DecisionStay
	}
}
