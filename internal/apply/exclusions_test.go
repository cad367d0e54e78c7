package apply

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseExclusions(t *testing.T) {
	set := ParseExclusions("smtppass, sitekey@@tool_mobile ,cron_secret", logrus.New())

	assert.True(t, set.Contains("none", "smtppass"))
	assert.True(t, set.Contains("tool_mobile", "sitekey"))
	assert.True(t, set.Contains("none", "cron_secret"))

	// Same name in a different scope is not excluded
	assert.False(t, set.Contains("mod_forum", "sitekey"))
	assert.False(t, set.Contains("none", "sitename"))
}

func TestParseExclusionsEmptyAndMalformed(t *testing.T) {
	set := ParseExclusions("", logrus.New())
	assert.Empty(t, set)

	set = ParseExclusions(" , ,@@scope, name@@ ,ok", logrus.New())
	assert.Len(t, set, 1)
	assert.True(t, set.Contains("none", "ok"))
}
