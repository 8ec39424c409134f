// Command opstoken mints operator API tokens signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"crisiswatch/pkg/auth"
)

func main() {
	id := flag.String("id", "", "operator id (usually the responder's chat user id)")
	name := flag.String("name", "", "display name")
	role := flag.String("role", auth.RoleOperator, "operator or admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	if *id == "" {
		log.Fatal("❌ -id is required")
	}
	if *role != auth.RoleOperator && *role != auth.RoleAdmin {
		log.Fatalf("❌ unknown role %q", *role)
	}

	operatorAuth, err := auth.NewOperatorAuth(os.Getenv("JWT_SECRET"), *ttl)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	token, err := operatorAuth.IssueToken(*id, *name, *role)
	if err != nil {
		log.Fatalf("❌ Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
