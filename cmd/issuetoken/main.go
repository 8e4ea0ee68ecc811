// Command issuetoken mints a caller JWT for the payment API.
//
//	issuetoken -caller checkout-svc [-role MERCHANT] [-ttl 720h]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"pushpay/config"
	"pushpay/internal/auth"
)

func main() {
	caller := flag.String("caller", "", "caller id recorded on every payment it initiates")
	role := flag.String("role", auth.RoleMerchant, "MERCHANT or ADMIN")
	ttl := flag.Duration("ttl", 0, "token lifetime (default JWT_ACCESS_EXPIRY)")
	flag.Parse()

	if *caller == "" {
		fmt.Fprintln(os.Stderr, "issuetoken: -caller is required")
		flag.Usage()
		os.Exit(2)
	}
	r := strings.ToUpper(*role)
	if r != auth.RoleMerchant && r != auth.RoleAdmin {
		fmt.Fprintf(os.Stderr, "issuetoken: unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuetoken: %v\n", err)
		os.Exit(1)
	}
	jwtCfg := cfg.JWT
	if *ttl > 0 {
		jwtCfg.AccessExpiry = *ttl
	}
	tok, err := auth.GenerateAccessToken(&jwtCfg, *caller, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuetoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
