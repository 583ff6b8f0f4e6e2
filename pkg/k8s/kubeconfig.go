package k8s

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"golang.org/x/oauth2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/client-go/transport"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	eksTokenPrefix   = "k8s-aws-v1."
	clusterIDHeader  = "x-k8s-aws-id"
	// presigned URLs are valid for 15 minutes; refresh a little earlier
	eksTokenLifetime = 14 * time.Minute
)

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type EKSAPI interface {
	DescribeCluster(ctx context.Context, in *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

type CallerIdentityPresigner interface {
	PresignGetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// KubeconfigLoader builds a rest.Config from, in order of preference: an
// explicit kubeconfig file, a kubeconfig object in S3, a kubeconfig generated
// from the EKS cluster description, or the in-cluster / KUBECONFIG default.
// Downloaded and generated files are cached at CachePath.
type KubeconfigLoader struct {
	Path string

	S3     S3API
	Bucket string
	Key    string

	EKS         EKSAPI
	Presigner   CallerIdentityPresigner
	ClusterName string

	CachePath string
}

func (l *KubeconfigLoader) RESTConfig(ctx context.Context) (*rest.Config, error) {
	lg := log.FromContext(ctx)
	switch {
	case l.Path != "":
		lg.V(1).Info("using kubeconfig file", "path", l.Path)
		return clientcmd.BuildConfigFromFlags("", l.Path)
	case l.Bucket != "":
		if err := l.cached(ctx, l.download); err != nil {
			return nil, err
		}
		return clientcmd.BuildConfigFromFlags("", l.CachePath)
	case l.ClusterName != "":
		if err := l.cached(ctx, l.generate); err != nil {
			return nil, err
		}
		cfg, err := clientcmd.BuildConfigFromFlags("", l.CachePath)
		if err != nil {
			return nil, err
		}
		ts := &eksTokenSource{ctx: ctx, presigner: l.Presigner, cluster: l.ClusterName}
		cfg.WrapTransport = transport.TokenSourceWrapTransport(transport.NewCachedTokenSource(ts))
		return cfg, nil
	}
	return ctrl.GetConfig()
}

// cached runs fill unless CachePath already holds a kubeconfig from an earlier
// invocation.
func (l *KubeconfigLoader) cached(ctx context.Context, fill func(context.Context) error) error {
	if l.CachePath == "" {
		return errors.New("kubeconfig cache path is required")
	}
	if _, err := os.Stat(l.CachePath); err == nil {
		log.FromContext(ctx).V(1).Info("reusing cached kubeconfig", "path", l.CachePath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.CachePath), 0o700); err != nil {
		return err
	}
	return fill(ctx)
}

func (l *KubeconfigLoader) download(ctx context.Context) error {
	log.FromContext(ctx).Info("downloading kubeconfig", "bucket", l.Bucket, "key", l.Key)
	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(l.Bucket), Key: aws.String(l.Key)})
	if err != nil {
		return fmt.Errorf("get kubeconfig s3://%s/%s: %w", l.Bucket, l.Key, err)
	}
	defer out.Body.Close()

	tmp := l.CachePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.CachePath)
}

func (l *KubeconfigLoader) generate(ctx context.Context) error {
	log.FromContext(ctx).Info("generating kubeconfig from cluster description", "cluster", l.ClusterName)
	out, err := l.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(l.ClusterName)})
	if err != nil {
		return fmt.Errorf("describe cluster %s: %w", l.ClusterName, err)
	}
	if out.Cluster == nil || out.Cluster.CertificateAuthority == nil {
		return fmt.Errorf("cluster %s has no endpoint data", l.ClusterName)
	}
	ca, err := base64.StdEncoding.DecodeString(aws.ToString(out.Cluster.CertificateAuthority.Data))
	if err != nil {
		return fmt.Errorf("decode cluster certificate authority: %w", err)
	}

	name := l.ClusterName
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[name] = &clientcmdapi.Cluster{
		Server:                   aws.ToString(out.Cluster.Endpoint),
		CertificateAuthorityData: ca,
	}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{}
	cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	cfg.CurrentContext = name
	return clientcmd.WriteToFile(*cfg, l.CachePath)
}

// eksTokenSource mints EKS bearer tokens from a presigned GetCallerIdentity
// request bound to the cluster name.
type eksTokenSource struct {
	ctx       context.Context
	presigner CallerIdentityPresigner
	cluster   string
}

func (s *eksTokenSource) Token() (*oauth2.Token, error) {
	tok, err := EKSToken(s.ctx, s.presigner, s.cluster)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, Expiry: time.Now().Add(eksTokenLifetime)}, nil
}

func EKSToken(ctx context.Context, presigner CallerIdentityPresigner, cluster string) (string, error) {
	req, err := presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *sts.Options) {
			so.APIOptions = append(so.APIOptions,
				smithyhttp.AddHeaderValue(clusterIDHeader, cluster),
				smithyhttp.AddHeaderValue("X-Amz-Expires", "60"),
			)
		})
	})
	if err != nil {
		return "", fmt.Errorf("presign caller identity: %w", err)
	}
	return eksTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(req.URL)), nil
}

// Clients are the two API clients a drain needs: a typed clientset for
// evictions and cordoning, and a controller-runtime client for nodes and leases.
type Clients struct {
	Clientset kubernetes.Interface
	Client    client.Client
}

func NewClients(cfg *rest.Config) (*Clients, error) {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		return nil, err
	}
	return &Clients{Clientset: cs, Client: c}, nil
}
