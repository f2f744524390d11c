package features

import (
	"testing"

	"github.com/cucumber/godog"
)

// TestPulsekitFeatures runs the BDD suite whose steps InitializeScenario
// defines — round-trip calls, middleware composition, schema rejection,
// and user-scoped event authorization — under one godog.TestSuite, the
// same harness shape as buffkit's TestAllFeatures. No steps exist for
// cluster fan-out or keep-alive disconnection.
func TestPulsekitFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"."},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
