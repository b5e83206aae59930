package objectstore

import (
	"fmt"
	"os/exec"
)

// CLIAdmin materialises users and groups through the `mc` admin CLI.
// The alias must be configured for the target deployment beforehand.
type CLIAdmin struct {
	// Alias is the mc host alias of the object store
	Alias string
}

func (a *CLIAdmin) run(args ...string) error {
	out, err := exec.Command("mc", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mc %v: %s", args, string(out))
	}
	return nil
}

// AddUser creates an object-store user.
func (a *CLIAdmin) AddUser(accessKey, secretKey string) error {
	return a.run("admin", "user", "add", a.Alias, accessKey, secretKey)
}

// AddUserToGroup adds a user to a workspace group.
func (a *CLIAdmin) AddUserToGroup(group, accessKey string) error {
	return a.run("admin", "group", "add", a.Alias, group, accessKey)
}
