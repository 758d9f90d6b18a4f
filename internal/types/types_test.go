package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name       string
		entityType EntityType
		input      string
		want       string
	}{
		{"simple", EntityDatabase, "PostgreSQL", "database:postgresql"},
		{"spaces", EntityFramework, "Ruby on Rails", "framework:ruby_on_rails"},
		{"punctuation runs", EntityModule, "foo--bar!!baz", "module:foo_bar_baz"},
		{"leading trailing", EntityTool, "--redis--", "tool:redis"},
		{"unicode letters", EntityPerson, "José García", "person:josé_garcía"},
		{"digits", EntityService, "s3", "service:s3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.entityType, tt.input))
		})
	}
}

func TestObjectRefMatches(t *testing.T) {
	lit := func(s string) ObjectRef { return ObjectRef{Literal: s, Datatype: "string"} }

	assert.True(t, lit("PostgreSQL").Matches(lit("postgresql")))
	assert.True(t, lit("  MySQL ").Matches(lit("mysql")))
	assert.False(t, lit("PostgreSQL").Matches(lit("MySQL")))

	a := ObjectRef{EntityID: 7, EntityName: "redis"}
	b := ObjectRef{EntityID: 7, EntityName: "Redis"}
	c := ObjectRef{EntityID: 8, EntityName: "redis"}
	assert.True(t, a.Matches(b))
	assert.False(t, a.Matches(c))
	// Entity ref never matches a literal.
	assert.False(t, a.Matches(lit("redis")))
}

func TestFactSignature(t *testing.T) {
	assert.Equal(t, FactSignature("Repo", "uses_database", " PostgreSQL "),
		FactSignature("repo", "uses_database", "postgresql"))
	assert.NotEqual(t, FactSignature("repo", "uses_database", "postgresql"),
		FactSignature("repo", "uses_cache", "postgresql"))
}

func TestStrengthRank(t *testing.T) {
	assert.Greater(t, StrengthStated.Rank(), StrengthInferred.Rank())
	assert.Greater(t, StrengthInferred.Rank(), StrengthDerived.Rank())
	assert.Equal(t, 0, Strength("bogus").Rank())
}

func TestFactCheckInvariants(t *testing.T) {
	now := time.Now()

	active := Fact{ID: 1, Status: StatusActive}
	assert.NoError(t, active.CheckInvariants())

	badActive := Fact{ID: 2, Status: StatusActive, ValidTo: &now}
	assert.Error(t, badActive.CheckInvariants())

	superseded := Fact{ID: 3, Status: StatusSuperseded, ValidTo: &now}
	assert.NoError(t, superseded.CheckInvariants())

	badSuperseded := Fact{ID: 4, Status: StatusSuperseded}
	assert.Error(t, badSuperseded.CheckInvariants())

	badGlobal := Fact{ID: 5, Status: StatusActive, Scope: ScopeGlobal, ProjectPath: "/work/app"}
	assert.Error(t, badGlobal.CheckInvariants())
}
