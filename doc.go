/*
Package namedsql runs SQL statements written with named parameters on any
database/sql driver.

Drivers only understand positional markers. With namedsql the query names its
parameters instead, and values are supplied by name from maps, structs or
accessor methods:

	stmt := namedsql.MustPrepare(`
		SELECT name, age
		FROM person
		WHERE country = :country AND age >= :minAge`)

	rows, err := db.Query(ctx, stmt, namedsql.Params(namedsql.M{
		"country": "NZ",
		"minAge":  18,
	})).ListOfRows()

# Placeholders

A placeholder is a colon immediately followed by an identifier of letters,
digits and underscores, for example :name or :address_id. Text inside string
literals, quoted identifiers and SQL comments
is never a placeholder, and the Postgres cast operator :: passes through
untouched. Statements without named placeholders can use plain "?" markers
with [Positional] values.

# Collection expansion

A slice value expands into one marker per element, so IN predicates take
their natural form:

	stmt := namedsql.MustPrepare("SELECT * FROM person WHERE id IN (:ids)")
	rows, err := db.Query(ctx, stmt, namedsql.Params(namedsql.M{
		"ids": []int{1, 2, 3},
	})).ListOfRows()

A slice of slices expands into parenthesized tuples for multi-column
predicates: [][]any{{"a", 1}, {"b", 2}} becomes (?, ?), (?, ?).

Because expansion depends on the data, the driver statement is prepared per
expanded form and cached for reuse.

# Sources

Values come from a [Source]: [Params] for maps, [Fields] for tagged structs,
[Getters] for accessor methods, [TypedParams] to bind typed nulls. Several
sources can be passed to one query; the first one holding a name wins.

# Results

A built [Query] offers extraction shapes mirroring how much of the result is
wanted: [Query.ListOfRows], [Query.SingleColumn], [Query.SingleRow],
[Query.SingleValue], [Query.OptionalValue], and struct decoding with
[Query.Get] and [Query.GetAll]. Statements run for their side effects use
[Query.Run], [Query.Exec] or [Query.Update].
*/
package namedsql
