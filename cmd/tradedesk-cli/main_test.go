package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/httpapi"
)

func TestParseTargets(t *testing.T) {
	got, err := parseTargets([]string{"acct-1=10", " acct-2 ", "acct-3=4"}, 7)
	require.NoError(t, err)
	assert.Equal(t, []httpapi.AccountQuantity{
		{AccountID: "acct-1", Quantity: 10},
		{AccountID: "acct-2", Quantity: 7},
		{AccountID: "acct-3", Quantity: 4},
	}, got)
}

func TestParseTargetsErrors(t *testing.T) {
	for _, specs := range [][]string{
		{"=5"},
		{"acct-1=ten"},
		{"acct-1"}, // no default quantity
		{"acct-1=-3"},
	} {
		_, err := parseTargets(specs, 0)
		assert.Error(t, err, specs)
	}
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"submit", "exit", "accounts", "trades", "stats", "refresh", "audit", "watch"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("server"))

	accounts, _, err := root.Find([]string{"accounts", "deactivate"})
	require.NoError(t, err)
	assert.Equal(t, "deactivate", accounts.Name())
	exit, _, err := root.Find([]string{"trades", "exit"})
	require.NoError(t, err)
	assert.Equal(t, "exit", exit.Name())
	assert.Equal(t, "trades", exit.Parent().Name())
}
