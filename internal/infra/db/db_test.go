package db

import (
	"net/url"
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/config"
)

func TestPostgresURLEscapesCredentials(t *testing.T) {
	raw := postgresURL(config.PostgresConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "routing",
		Password: "p@ss:w/rd",
		Database: "routing",
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss:w/rd", pw)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/routing", u.Path)
	assert.Equal(t, "prefer", u.Query().Get("sslmode"))
}

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"":             gocql.LocalQuorum,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"quorum":       gocql.Quorum,
		" one ":        gocql.One,
		"local_one":    gocql.LocalOne,
		"each_quorum":  gocql.EachQuorum,
		"all":          gocql.All,
	}
	for in, want := range cases {
		got, err := parseConsistency(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseConsistency("three")
	assert.Error(t, err)
}
