package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
)

// PrepareDBConnectionString returns a lib/pq connection string for tests. POSTGRES_USER,
// POSTGRES_DB, POSTGRES_PASSWORD and POSTGRES_HOST are honoured; a missing database name means
// a fresh local database called wantDBName is created with createdb.
func PrepareDBConnectionString(wantDBName string) string {
	pgUser := os.Getenv("POSTGRES_USER")
	if pgUser == "" {
		u, err := user.Current()
		if err != nil {
			fmt.Println("cannot get current user: ", err)
			os.Exit(2)
		}
		pgUser = u.Username
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = recreateLocalDB(wantDBName)
	}
	parts := []string{
		"user=" + pgUser,
		"dbname=" + dbName,
		"sslmode=disable",
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		parts = append(parts, "password="+password)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		parts = append(parts, "host="+host)
	}
	return strings.Join(parts, " ")
}

func recreateLocalDB(dbName string) string {
	fmt.Println("Note: tests require a postgres install accessible to the current user")
	run := func(name string, args ...string) error {
		cmd := exec.Command(name, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
	_ = run("dropdb", "-f", dbName)
	if err := run("createdb", dbName); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}
