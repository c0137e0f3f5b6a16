package demo

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gregalcback/namedsql"
)

type Person struct {
	Name     string `db:"name"`
	Height   int    `db:"height_cm"`
	HomeTown string `db:"home_town"`
}

func example() error {
	sqldb, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return err
	}
	db := namedsql.NewDB(sqldb)
	createPerson := namedsql.MustPrepare(`
		CREATE TABLE people (
			name text,
			height_cm integer,
			home_town text
		);`,
	)
	insertPerson := namedsql.MustPrepare(`
		INSERT INTO people (name, height_cm, home_town)
		VALUES (:name, :height_cm, :home_town);`,
	)
	tallerThan := namedsql.MustPrepare(`
		SELECT name, height_cm, home_town
		FROM people
		WHERE height_cm > :height_cm`,
	)
	fromTowns := namedsql.MustPrepare(`
		SELECT name
		FROM people
		WHERE home_town IN (:towns)
		ORDER BY name`,
	)
	var people = []Person{{"Jim", 150, "Kabul"}, {"Saba", 162, "Berlin"}, {"Dave", 169, "Brasília"}, {"Sophie", 174, "Berlin"}, {"Kiri", 168, "Cape Town"}}

	// Create the table
	err = db.Query(context.Background(), createPerson).Run()
	if err != nil {
		return err
	}

	// Insert the people
	for _, person := range people {
		err := db.Query(context.Background(), insertPerson, namedsql.Fields(person)).Run()
		if err != nil {
			return err
		}
	}

	// Find people taller than Jim
	jim := people[0]
	q := db.Query(context.Background(), tallerThan, namedsql.Fields(jim))
	iter := q.Iter()
	for iter.Next() {
		p := Person{}
		if err := iter.Get(&p); err != nil {
			break
		}
		fmt.Printf("%s is taller than %s.\n", p.Name, jim.Name)
	}
	err = iter.Close()
	if err != nil {
		return err
	}

	// Find everyone from Berlin or Cape Town
	names, err := db.Query(context.Background(), fromTowns, namedsql.Params(namedsql.M{
		"towns": []string{"Berlin", "Cape Town"},
	})).SingleColumn()
	if err != nil {
		return err
	}
	fmt.Printf("These people are from Berlin or Cape Town: %v\n", names)
	return nil
}

func main() {
	err := example()
	if err != nil {
		panic(err)
	}
}
