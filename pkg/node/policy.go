package node

import (
	"fmt"
	"path"

	"github.com/vantage6/vantage6/pkg/config"
	"github.com/vantage6/vantage6/pkg/types"
)

// checkPolicy gates a task before anything is launched for it. A refusal
// terminates the run as "not allowed".
func checkPolicy(policies *config.PolicyConfig, task *types.Task) error {
	if len(policies.AllowedAlgorithms) > 0 {
		matched := false
		for _, pattern := range policies.AllowedAlgorithms {
			if ok, err := path.Match(pattern, task.Image); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("image %q does not match any allowed algorithm pattern", task.Image)
		}
	}

	if len(policies.AllowedAlgorithmStores) > 0 {
		allowed := false
		for _, id := range policies.AllowedAlgorithmStores {
			if id == task.AlgorithmStoreID {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("algorithm store %d is not on the allowlist", task.AlgorithmStoreID)
		}
	}
	return nil
}
