package pipebuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func build(t *testing.T, b *Builder) mongo.Pipeline {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestDocumentStages(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Builder, any) *Builder
		token string
	}{
		{"Match", (*Builder).Match, StageMatch},
		{"AddFields", (*Builder).AddFields, StageAddFields},
		{"Set", (*Builder).Set, StageSet},
		{"Project", (*Builder).Project, StageProject},
		{"Sort", (*Builder).Sort, StageSort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := build(t, tt.apply(New(), bson.D{{"b", 1}, {"a", -1}}))
			assert.Equal(t, mongo.Pipeline{{{tt.token, bson.D{{"b", 1}, {"a", -1}}}}}, p)

			// empty payloads add nothing
			empty := tt.apply(New(), bson.D{})
			require.NoError(t, empty.Err())
			assert.Equal(t, 0, empty.Len())

			// maps become documents sorted by key
			p = build(t, tt.apply(New(), bson.M{"z": 1, "a": 2}))
			assert.Equal(t, bson.D{{"a", 2}, {"z", 1}}, p[0][0].Value)

			assert.ErrorIs(t, tt.apply(New(), nil).Err(), ErrInvalidType)
			assert.ErrorIs(t, tt.apply(New(), bson.D(nil)).Err(), ErrInvalidType)
			assert.ErrorIs(t, tt.apply(New(), 42).Err(), ErrInvalidType)
			assert.ErrorIs(t, tt.apply(New(), bson.A{1}).Err(), ErrInvalidType)
		})
	}
}

func TestLookup(t *testing.T) {
	p := build(t, New().Lookup(LookupSpec{
		From:         "orders",
		LocalField:   "_id",
		ForeignField: "userId",
		As:           "orders",
	}))
	assert.Equal(t, bson.D{{"$lookup", bson.D{
		{"from", "orders"},
		{"localField", "_id"},
		{"foreignField", "userId"},
		{"as", "orders"},
	}}}, p[0])
}

func TestLookupWithPipeline(t *testing.T) {
	nested := New().Match(bson.D{{"status", "paid"}}).Limit(5)
	p := build(t, New().Lookup(LookupSpec{
		From:         "orders",
		LocalField:   "_id",
		ForeignField: "userId",
		As:           "orders",
		Pipeline:     nested,
	}))
	payload := p[0][0].Value.(bson.D)
	require.Len(t, payload, 5)
	assert.Equal(t, "pipeline", payload[4].Key)
	assert.Equal(t, bson.A{
		bson.D{{"$match", bson.D{{"status", "paid"}}}},
		bson.D{{"$limit", int64(5)}},
	}, payload[4].Value)

	// an empty nested pipeline is dropped
	p = build(t, New().Lookup(LookupSpec{
		From: "orders", LocalField: "_id", ForeignField: "userId", As: "orders",
		Pipeline: []bson.D{},
	}))
	assert.Len(t, p[0][0].Value.(bson.D), 4)
}

func TestLookupErrors(t *testing.T) {
	valid := LookupSpec{From: "orders", LocalField: "_id", ForeignField: "userId", As: "orders"}

	for _, mutate := range []func(*LookupSpec){
		func(s *LookupSpec) { s.From = "" },
		func(s *LookupSpec) { s.LocalField = "" },
		func(s *LookupSpec) { s.ForeignField = "" },
		func(s *LookupSpec) { s.As = "" },
	} {
		spec := valid
		mutate(&spec)
		assert.ErrorIs(t, New().Lookup(spec).Err(), ErrInvalidValue)
	}

	spec := valid
	spec.Pipeline = "not a list"
	assert.ErrorIs(t, New().Lookup(spec).Err(), ErrInvalidType)

	spec.Pipeline = bson.A{bson.D{{"$match", bson.D{}}}, 1}
	assert.ErrorIs(t, New().Lookup(spec).Err(), ErrInvalidType)
}

func TestGroup(t *testing.T) {
	p := build(t, New().Group("$category", bson.D{
		{"total", bson.D{{"$sum", "$amount"}}},
		{"count", bson.D{{"$sum", 1}}},
	}))
	assert.Equal(t, bson.D{{"$group", bson.D{
		{"_id", "$category"},
		{"total", bson.D{{"$sum", "$amount"}}},
		{"count", bson.D{{"$sum", 1}}},
	}}}, p[0])
}

func TestGroupKeyShapes(t *testing.T) {
	acc := bson.D{{"n", bson.D{{"$sum", 1}}}}

	tests := []struct {
		name string
		key  any
	}{
		{"nil", nil},
		{"array", bson.A{"$idSeason", "$idTournament"}},
		{"composite", bson.D{{"category", "$category"}, {"year", "$year"}}},
		{"scalar", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := build(t, New().Group(tt.key, acc))
			payload := p[0][0].Value.(bson.D)
			assert.Equal(t, bson.E{Key: "_id", Value: tt.key}, payload[0])
			assert.Equal(t, "n", payload[1].Key)
		})
	}
}

func TestGroupTypedNilKeyIsNil(t *testing.T) {
	for _, key := range []any{map[string]any(nil), bson.M(nil), bson.D(nil)} {
		b := New().Group(key, bson.D{})
		require.NoError(t, b.Err(), "%T", key)
		p := build(t, b)
		assert.Equal(t, bson.D{{"_id", nil}}, p[0][0].Value)
	}

	assert.ErrorIs(t, New().Group(bson.D{}, bson.D{}).Err(), ErrEmptyGroup)
	assert.ErrorIs(t, New().Group("", bson.D{}).Err(), ErrEmptyGroup)
}

func TestGroupAccumulatorIDOverridesKey(t *testing.T) {
	p := build(t, New().Group("$a", bson.D{{"n", 1}, {"_id", "$b"}}))
	assert.Equal(t, bson.D{{"_id", "$b"}, {"n", 1}}, p[0][0].Value)
}

func TestGroupDoubleWrappedID(t *testing.T) {
	err := New().Group(bson.D{{"_id", bson.A{"$idSeason", "$idTournament"}}}, bson.D{}).Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDoubleWrappedGroupID)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "Did you mean")
	assert.Contains(t, err.Error(), "$idSeason")

	err = New().Group(bson.M{"_id": "$category"}, bson.D{{"n", 1}}).Err()
	assert.ErrorIs(t, err, ErrDoubleWrappedGroupID)

	// _id next to other keys is a legitimate composite key
	b := New().Group(bson.D{{"_id", "$a"}, {"b", "$b"}}, bson.D{})
	assert.NoError(t, b.Err())
}

func TestGroupErrors(t *testing.T) {
	assert.ErrorIs(t, New().Group("$a", nil).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Group("$a", "count").Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Group("", bson.D{}).Err(), ErrEmptyGroup)
	assert.ErrorIs(t, New().Group(bson.D{}, bson.D{}).Err(), ErrEmptyGroup)

	// an empty key is fine once there are accumulators
	assert.NoError(t, New().Group("", bson.D{{"n", 1}}).Err())
}

func TestUnwind(t *testing.T) {
	p := build(t, New().Unwind("$items"))
	assert.Equal(t, bson.D{{"$unwind", bson.D{{"path", "$items"}}}}, p[0])

	p = build(t, New().Unwind("$items", PreserveNullAndEmptyArrays(), IncludeArrayIndex("idx")))
	assert.Equal(t, bson.D{{"$unwind", bson.D{
		{"path", "$items"},
		{"preserveNullAndEmptyArrays", true},
		{"includeArrayIndex", "idx"},
	}}}, p[0])

	assert.ErrorIs(t, New().Unwind("").Err(), ErrInvalidValue)
}

func TestLimitAndSkip(t *testing.T) {
	p := build(t, New().Skip(20).Limit(10))
	assert.Equal(t, mongo.Pipeline{
		{{"$skip", int64(20)}},
		{{"$limit", int64(10)}},
	}, p)

	b := New().Limit(0).Skip(0)
	require.NoError(t, b.Err())
	assert.Equal(t, 0, b.Len())

	assert.ErrorIs(t, New().Limit(-1).Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Skip(-1).Err(), ErrInvalidValue)
}

func TestUnset(t *testing.T) {
	p := build(t, New().Unset("password"))
	assert.Equal(t, bson.D{{"$unset", "password"}}, p[0])

	p = build(t, New().Unset("password", "ssn"))
	assert.Equal(t, bson.D{{"$unset", bson.A{"password", "ssn"}}}, p[0])

	assert.ErrorIs(t, New().Unset().Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Unset("a", "").Err(), ErrInvalidValue)
}

func TestReplaceRoot(t *testing.T) {
	p := build(t, New().ReplaceRoot(bson.D{{"newRoot", "$user"}}))
	assert.Equal(t, bson.D{{"$replaceRoot", bson.D{{"newRoot", "$user"}}}}, p[0])

	assert.ErrorIs(t, New().ReplaceRoot(bson.D{}).Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().ReplaceRoot(bson.D{{"root", "$user"}}).Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().ReplaceRoot(nil).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().ReplaceRoot("$user").Err(), ErrInvalidType)
}

func TestReplaceWith(t *testing.T) {
	p := build(t, New().ReplaceWith("$user").ReplaceWith(bson.D{{"$mergeObjects", bson.A{"$a", "$b"}}}))
	assert.Equal(t, mongo.Pipeline{
		{{"$replaceWith", "$user"}},
		{{"$replaceWith", bson.D{{"$mergeObjects", bson.A{"$a", "$b"}}}}},
	}, p)

	assert.ErrorIs(t, New().ReplaceWith(nil).Err(), ErrInvalidValue)
}

func TestFacet(t *testing.T) {
	p := build(t, New().Facet(bson.D{
		{"byStatus", []bson.D{{{"$group", bson.D{{"_id", "$status"}}}}}},
		{"total", New().Count()},
	}))
	assert.Equal(t, bson.D{{"$facet", bson.D{
		{"byStatus", bson.A{bson.D{{"$group", bson.D{{"_id", "$status"}}}}}},
		{"total", bson.A{bson.D{{"$count", "count"}}}},
	}}}, p[0])

	assert.ErrorIs(t, New().Facet(bson.D{}).Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Facet(nil).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Facet(bson.D{{"x", nil}}).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Facet(bson.D{{"x", "$match"}}).Err(), ErrInvalidType)
}

func TestCount(t *testing.T) {
	p := build(t, New().Count())
	assert.Equal(t, bson.D{{"$count", "count"}}, p[0])

	p = build(t, New().CountAs("total"))
	assert.Equal(t, bson.D{{"$count", "total"}}, p[0])

	assert.ErrorIs(t, New().CountAs("").Err(), ErrInvalidValue)
}

func TestSample(t *testing.T) {
	p := build(t, New().Sample(3))
	assert.Equal(t, bson.D{{"$sample", bson.D{{"size", int64(3)}}}}, p[0])

	assert.ErrorIs(t, New().Sample(0).Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Sample(-2).Err(), ErrInvalidValue)
}

func TestOut(t *testing.T) {
	p := build(t, New().Out("archive"))
	assert.Equal(t, bson.D{{"$out", "archive"}}, p[0])

	p = build(t, New().Out(bson.D{{"db", "reports"}, {"coll", "archive"}}))
	assert.Equal(t, bson.D{{"$out", bson.D{{"db", "reports"}, {"coll", "archive"}}}}, p[0])

	assert.ErrorIs(t, New().Out(nil).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Out(12).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Out("").Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Out(bson.D{{"db", "reports"}}).Err(), ErrInvalidValue)
}

func TestMerge(t *testing.T) {
	p := build(t, New().Merge("summary"))
	assert.Equal(t, bson.D{{"$merge", bson.D{{"into", "summary"}}}}, p[0])

	p = build(t, New().Merge("summary",
		MergeOn("region", "year"),
		WhenMatched("replace"),
		WhenNotMatched("insert"),
	))
	assert.Equal(t, bson.D{{"$merge", bson.D{
		{"into", "summary"},
		{"on", bson.A{"region", "year"}},
		{"whenMatched", "replace"},
		{"whenNotMatched", "insert"},
	}}}, p[0])

	p = build(t, New().Merge("summary", MergeOn("_id"), WhenMatched(New().Set(bson.D{{"seen", true}}))))
	assert.Equal(t, bson.D{{"$merge", bson.D{
		{"into", "summary"},
		{"on", "_id"},
		{"whenMatched", bson.A{bson.D{{"$set", bson.D{{"seen", true}}}}}},
	}}}, p[0])

	assert.ErrorIs(t, New().Merge(nil).Err(), ErrInvalidType)
	assert.ErrorIs(t, New().Merge("").Err(), ErrInvalidValue)
	assert.ErrorIs(t, New().Merge("summary", MergeOn("a", "")).Err(), ErrInvalidValue)
}
