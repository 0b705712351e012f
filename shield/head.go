package shield

import "net/http"

// HeadToGet rewrites HEAD to GET before routing. chi registers handlers
// per method, so a HEAD probe against a Get route would otherwise see
// 405; net/http already drops the body from HEAD responses, so the
// rewrite is safe for every handler behind it. Uptime checkers probe the
// package endpoints with HEAD.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
