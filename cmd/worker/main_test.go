package main

import (
	stdtesting "testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodstock/internal/app"
	_ "github.com/odyssey-erp/foodstock/testing"
)

func TestMainSkipsStartupInTestMode(t *stdtesting.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
