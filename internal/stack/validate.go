package stack

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"stevedore/internal/common"
)

// Validate 校验整个部署描述
func (s *Stack) Validate() error {
	if len(s.Services) == 0 {
		return common.NewValidationError("services", "at least one service is required", nil)
	}

	for name, service := range s.Services {
		if service == nil {
			return common.NewValidationError("services", "service definition is empty", name)
		}
		if err := s.validateService(name, service); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}

	if _, err := s.DeployOrder(); err != nil {
		return err
	}
	return nil
}

func (s *Stack) validateService(name string, service *Service) error {
	if err := common.ValidateServiceName(name); err != nil {
		return err
	}
	if service.Build == "" && service.Image == "" {
		return common.NewValidationError("build", "either build or image is required", nil)
	}
	if err := validateRestartPolicy(service.Restart); err != nil {
		return err
	}
	if _, err := service.PortMappings(); err != nil {
		return err
	}
	if _, err := service.EnvMap(); err != nil {
		return err
	}
	if _, err := service.LogOptions(); err != nil {
		return err
	}
	if err := validateHealthcheck(service.Healthcheck); err != nil {
		return err
	}
	for _, dep := range service.DependsOn {
		if _, ok := s.Services[dep]; !ok {
			return common.NewValidationError("depends_on", "references unknown service", dep)
		}
		if dep == name {
			return common.NewValidationError("depends_on", "service cannot depend on itself", dep)
		}
	}
	return nil
}

func validateHealthcheck(hc *Healthcheck) error {
	if hc == nil {
		return nil
	}
	if len(hc.Test) == 0 {
		return common.NewValidationError("healthcheck.test", "cannot be empty", nil)
	}
	switch hc.Test[0] {
	case "CMD", "CMD-SHELL":
		if len(hc.Test) < 2 {
			return common.NewValidationError("healthcheck.test", "command is missing", hc.Test)
		}
	case "NONE":
	default:
		return common.NewValidationError("healthcheck.test", "must start with CMD, CMD-SHELL or NONE", hc.Test[0])
	}
	if hc.Retries < 0 {
		return common.NewValidationError("healthcheck.retries", "cannot be negative", hc.Retries)
	}
	if hc.Interval < 0 || hc.Timeout < 0 || hc.StartPeriod < 0 {
		return common.NewValidationError("healthcheck", "durations cannot be negative", nil)
	}
	return nil
}

// DeployOrder 按依赖关系返回服务启动顺序，检测循环依赖
func (s *Stack) DeployOrder() ([]string, error) {
	names := lo.Keys(s.Services)
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		visited
	)

	marks := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visited:
			return nil
		case visiting:
			return common.NewValidationError("depends_on", "dependency cycle detected", name)
		}
		marks[name] = visiting

		deps := append([]string(nil), s.Services[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
