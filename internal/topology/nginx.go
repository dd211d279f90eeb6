package topology

import (
	"fmt"
	"strings"
)

// Upstream is one backend the proxy round-robins across.
type Upstream struct {
	Host string
	Port int
}

// renderNginxConfig generates a minimal round-robin nginx configuration:
// one upstream block listing every backend, one listen directive, one proxy
// location. HTTP/1.1 with an empty Connection header keeps balancer-to-
// backend connections alive.
func renderNginxConfig(dir string, upstreams []Upstream, listenHost string, listenPort int) string {
	var upstreamLines strings.Builder
	for _, u := range upstreams {
		fmt.Fprintf(&upstreamLines, "        server %s:%d;\n", u.Host, u.Port)
	}

	return fmt.Sprintf(`worker_processes 1;
pid %[1]s/nginx.pid;
error_log %[1]s/error.log;
events { worker_connections 1024; }
http {
    access_log %[1]s/access.log;
    upstream mlx_backend {
%[2]s    }
    server {
        listen %[3]s:%[4]d;
        location / {
            proxy_pass http://mlx_backend;
            proxy_http_version 1.1;
            proxy_set_header Connection "";
        }
    }
}
`, dir, upstreamLines.String(), listenHost, listenPort)
}
