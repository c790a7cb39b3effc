package testutil

import "fmt"

// NewTestDSN returns a DSN for an in-memory sqlite database unique to the
// given test name, so parallel tests never share state.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", testName)
}
