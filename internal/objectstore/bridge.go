// Package objectstore issues per-user object-store credentials and
// presigned URLs scoped to the caller's workspace prefix. User and group
// materialisation is delegated to an admin CLI behind the AdminClient
// interface; no bucket policy is created or attached by this package.
// Only credential issuance and URL presigning are part of the broker.
package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
	"github.com/hivegate/hivegate/internal/rpc"
)

// DefaultExpiry is the presigned URL lifetime when none is requested.
const DefaultExpiry = time.Hour

// AdminClient materialises users and group memberships on the object
// store; it has no policy operation. The production implementation shells
// out to the admin CLI; it is an external collaborator of the broker.
type AdminClient interface {
	AddUser(accessKey, secretKey string) error
	AddUserToGroup(group, accessKey string) error
}

// Credential is a per-user credential scoped to a workspace prefix.
type Credential struct {
	EndpointURL     string `json:"endpoint_url"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
}

// Bridge exposes the object-store interface to plugins.
type Bridge struct {
	endpoint string
	bucket   string
	client   *minio.Client
	admin    AdminClient
	log      zerolog.Logger
}

// New creates the bridge. admin may be nil when credential issuance is
// not available (presigned URLs keep working).
func New(endpoint, accessKey, secretKey, bucket string, admin AdminClient, log zerolog.Logger) (*Bridge, error) {
	client, err := minio.New(stripScheme(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: strings.HasPrefix(endpoint, "https://"),
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Bridge{
		endpoint: endpoint,
		bucket:   bucket,
		client:   client,
		admin:    admin,
		log:      log.With().Str("component", "objectstore").Logger(),
	}, nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

// GenerateCredential issues a credential for the current user, scoped to
// the current workspace: the prefix is "<workspace>/" with the trailing
// slash load-bearing for the bucket policy.
func (b *Bridge) GenerateCredential(ctx core.Context) (*Credential, error) {
	if ctx.User == nil || ctx.Workspace == nil {
		return nil, errors.BadRequest("no user or workspace in context")
	}
	if b.admin == nil {
		return nil, errors.InternalServer("credential issuance is not configured")
	}
	password := generatePassword()
	if err := b.admin.AddUser(ctx.User.ID, password); err != nil {
		return nil, errors.InternalServer("failed to create object store user: " + err.Error())
	}
	if err := b.admin.AddUserToGroup(ctx.Workspace.Name, ctx.User.ID); err != nil {
		return nil, errors.InternalServer("failed to add user to workspace group: " + err.Error())
	}
	cred := &Credential{
		EndpointURL:     b.endpoint,
		AccessKeyID:     ctx.User.ID,
		SecretAccessKey: password,
		Bucket:          b.bucket,
		Prefix:          ctx.Workspace.Name + "/",
	}
	ctx.User.SetMetadata("s3_credential", cred)
	return cred, nil
}

// GeneratePresignedURL presigns a GET or PUT for an object that must live
// under the current workspace prefix in the default bucket.
func (b *Bridge) GeneratePresignedURL(ctx core.Context, bucket, object, method string, expires time.Duration) (string, error) {
	if ctx.Workspace == nil {
		return "", errors.BadRequest("no workspace in context")
	}
	if bucket != b.bucket || !strings.HasPrefix(object, ctx.Workspace.Name+"/") {
		return "", errors.Forbidden(fmt.Sprintf(
			"bucket name must be %s and the object name must be prefixed with %s/",
			b.bucket, ctx.Workspace.Name))
	}
	if expires <= 0 {
		expires = DefaultExpiry
	}

	var u *url.URL
	var err error
	reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch method {
	case "", "get_object", "GET":
		u, err = b.client.PresignedGetObject(reqCtx, bucket, object, expires, url.Values{})
	case "put_object", "PUT":
		u, err = b.client.PresignedPutObject(reqCtx, bucket, object, expires)
	default:
		return "", errors.BadRequest("unsupported method: " + method)
	}
	if err != nil {
		return "", errors.InternalServer("failed to presign URL: " + err.Error())
	}
	return u.String(), nil
}

// Interface returns the bridge functions exported to plugins.
func (b *Bridge) Interface(ctx core.Context) map[string]any {
	return map[string]any{
		"generate_credential": rpc.Callable(func(args []any) (any, error) {
			cred, err := b.GenerateCredential(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"endpoint_url":      cred.EndpointURL,
				"access_key_id":     cred.AccessKeyID,
				"secret_access_key": cred.SecretAccessKey,
				"bucket":            cred.Bucket,
				"prefix":            cred.Prefix,
			}, nil
		}),
		"generate_presigned_url": rpc.Callable(func(args []any) (any, error) {
			if len(args) < 2 {
				return nil, errors.BadRequest("generate_presigned_url requires bucket and object names")
			}
			bucket, _ := args[0].(string)
			object, _ := args[1].(string)
			method := ""
			if len(args) > 2 {
				method, _ = args[2].(string)
			}
			expires := DefaultExpiry
			if len(args) > 3 {
				if secs, ok := args[3].(float64); ok {
					expires = time.Duration(secs) * time.Second
				}
			}
			return b.GeneratePresignedURL(ctx, bucket, object, method, expires)
		}),
	}
}

func generatePassword() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
