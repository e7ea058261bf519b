package features

import "strings"

// trustedDomains lists CI/CD, package registry, cloud, and CDN hosts whose
// URLs are expected in healthy build logs and excluded from the external URL
// count. Matching is suffix-based but anchored at a label boundary, so
// sub.github.com is trusted while evil-github.com is not.
var trustedDomains = []string{
	// GitHub
	"github.com", "githubusercontent.com", "github.io", "githubassets.com",
	"pipelines.actions.githubusercontent.com",
	"actions-results.githubusercontent.com",
	"objects.githubusercontent.com",
	"codeload.github.com",
	// Package registries: JavaScript/Node
	"npmjs.org", "npmjs.com", "registry.npmjs.org", "npm.pkg.github.com",
	"yarnpkg.com", "registry.yarnpkg.com",
	"unpkg.com", "esm.sh", "skypack.dev", "deno.land",
	// Package registries: Python
	"pypi.org", "files.pythonhosted.org", "pypi.python.org",
	// Package registries: Java/Maven
	"maven.org", "mavencentral.org", "jfrog.io", "repo1.maven.org", "search.maven.org",
	"repo.maven.apache.org", "maven.apache.org",
	"central.sonatype.com", "oss.sonatype.org", "s01.oss.sonatype.org",
	// Package registries: Gradle
	"gradle.org", "plugins.gradle.org", "services.gradle.org",
	// Package registries: Ruby
	"rubygems.org", "bundler.io",
	// Package registries: Rust
	"crates.io", "static.rust-lang.org", "static.crates.io",
	// Package registries: .NET
	"nuget.org", "api.nuget.org",
	// Package registries: PHP
	"packagist.org", "getcomposer.org",
	// Package registries: Go
	"pkg.go.dev", "proxy.golang.org", "sum.golang.org", "gopkg.in",
	// Container registries
	"docker.io", "docker.com", "registry.hub.docker.com", "hub.docker.com",
	"gcr.io", "ghcr.io", "quay.io", "mcr.microsoft.com",
	"index.docker.io", "auth.docker.io", "production.cloudflare.docker.com",
	// Cloud providers
	"amazonaws.com", "s3.amazonaws.com", "cloudfront.net",
	"googleapis.com", "google.com", "gstatic.com", "storage.googleapis.com",
	"microsoft.com", "azure.com", "visualstudio.com", "azureedge.net",
	"blob.core.windows.net", "windowsupdate.com",
	// CDNs
	"cloudflare.com", "cloudflare-ipfs.com",
	"fastly.net", "cdn.jsdelivr.net", "cdnjs.cloudflare.com",
	"bootstrapcdn.com", "fontawesome.com", "maxcdn.com",
	// CI/CD and dev tools
	"circleci.com", "travis-ci.org", "travis-ci.com",
	"sonarcloud.io", "sonarqube.org", "sonar.io",
	"codecov.io", "coveralls.io", "codeclimate.com",
	"shields.io", "img.shields.io", "badge.fury.io",
	"sentry.io", "datadog.com", "newrelic.com",
	// Development tools and libraries
	"eslint.org", "typescript-eslint.io", "prettier.io",
	"rollupjs.org", "webpack.js.org", "parceljs.org", "vitejs.dev", "esbuild.github.io",
	"babeljs.io", "swc.rs", "terser.org",
	"jestjs.io", "mochajs.org", "jasmine.github.io", "karma-runner.github.io",
	"reactjs.org", "vuejs.org", "angular.io", "svelte.dev", "nextjs.org",
	"typescriptlang.org", "flow.org", "reasonml.github.io",
	"expressjs.com", "fastify.io", "nestjs.com", "koajs.com",
	"apache.org", "eclipse.org", "spring.io", "quarkus.io",
	"jetbrains.com", "intellij.com",
	// Common tools and runtimes
	"nodejs.org", "python.org", "ruby-lang.org", "java.com", "oracle.com",
	"rust-lang.org", "golang.org", "dotnet.microsoft.com",
	"ubuntu.com", "debian.org", "alpine-linux.org", "archlinux.org",
	"kernel.org", "gnu.org", "sourceforge.net",
	"brew.sh", "chocolatey.org", "scoop.sh",
	// Documentation
	"docs.github.com", "developer.mozilla.org", "w3.org", "whatwg.org",
	"devdocs.io", "readthedocs.io", "readthedocs.org",
	// Local
	"localhost", "127.0.0.1", "0.0.0.0",
}

// isTrustedDomain reports whether the lowercased, port-stripped domain is a
// trusted host or a subdomain of one.
func isTrustedDomain(domain string) bool {
	for _, trusted := range trustedDomains {
		if domain == trusted || strings.HasSuffix(domain, "."+trusted) {
			return true
		}
	}
	return false
}
