package ratelimit

// Policy is a named rate-limit preset. Policies are data: handlers pick one
// per endpoint risk class instead of hard-coding windows.
type Policy struct {
	Name           string
	Prefix         string
	MaxRequests    int
	WindowSeconds  int
	ResetOnSuccess bool
}

var (
	PolicyLogin = Policy{
		Name:           "login",
		Prefix:         "ratelimit:login",
		MaxRequests:    5,
		WindowSeconds:  900,
		ResetOnSuccess: true,
	}

	PolicyRegister = Policy{
		Name:          "register",
		Prefix:        "ratelimit:register",
		MaxRequests:   3,
		WindowSeconds: 3600,
	}

	PolicyAPI = Policy{
		Name:          "api",
		Prefix:        "ratelimit:api",
		MaxRequests:   100,
		WindowSeconds: 60,
	}

	PolicyUpload = Policy{
		Name:          "upload",
		Prefix:        "ratelimit:upload",
		MaxRequests:   10,
		WindowSeconds: 300,
	}

	PolicyPasswordReset = Policy{
		Name:          "password-reset",
		Prefix:        "ratelimit:password-reset",
		MaxRequests:   3,
		WindowSeconds: 3600,
	}

	PolicyEmailVerify = Policy{
		Name:          "email-verify",
		Prefix:        "ratelimit:email-verify",
		MaxRequests:   5,
		WindowSeconds: 3600,
	}
)
