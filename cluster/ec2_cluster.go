package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Octogonapus/ClusterBenchmark/settings"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/Octogonapus/ClusterBenchmark/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"golang.org/x/crypto/ssh"
)

// A cluster of EC2 instances in a VPC created for the run. Everything is deleted by Cleanup.
type EC2ClusterInput struct {
	CommandClusterInput `mapstructure:",squash"`
	Region              string
	InstanceType        string `mapstructure:"instance_type"`
	Count               int
	ImageID             string `mapstructure:"image_id"`
	User                string
	VolumeSizeGB        int  `mapstructure:"volume_size_gb"`
	WaitToInitialize    bool `mapstructure:"wait_to_initialize"`
	// The instances get an instance profile with access to these buckets. No IAM resources are made if empty.
	S3AccessBuckets []string `mapstructure:"s3_access_buckets"`
}

type ec2Cluster struct {
	commandCluster
	input *EC2ClusterInput
	ec2   *ec2.Client
	iam   *iam.Client

	vpcID                *string
	igwID                *string
	sgID                 *string
	subnetID             *string
	roleName             *string
	roleInlinePolicyName *string
	insProfName          *string
	keyName              *string
	keyID                *string
	signer               ssh.Signer
	instanceIDs          []string
}

func init() {
	RegisterCluster("ec2", func(m map[string]any) (Cluster, error) {
		input := &EC2ClusterInput{}
		err := settings.Decode(m, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert settings to EC2ClusterInput: %w", err)
		}
		return NewEC2Cluster(input)
	})
}

func NewEC2Cluster(input *EC2ClusterInput) (Cluster, error) {
	if input.InstanceType == "" {
		return nil, fmt.Errorf("ec2 cluster needs instance_type")
	}
	if input.Count <= 0 {
		input.Count = 1
	}
	if input.ImageID == "" {
		input.ImageID = "ami-05fb0b8c1424f266b" // ubuntu 22.04 from canonical
	}
	if input.User == "" {
		input.User = "ubuntu"
	}
	if input.VolumeSizeGB <= 0 {
		input.VolumeSizeGB = 32
	}
	if input.Name == "" {
		input.Name = fmt.Sprintf("ec2-%s-x%d", input.InstanceType, input.Count)
	}
	return &ec2Cluster{
		commandCluster: commandCluster{input: &input.CommandClusterInput},
		input:          input,
	}, nil
}

func (c *ec2Cluster) UseExisting() bool {
	return c.useExisting(false)
}

// Provisions the instances on the first call. Later calls only re-run the node setup and health check, so several
// benchmark classes can share one set of instances.
func (c *ec2Cluster) Initialize() error {
	if len(c.instanceIDs) > 0 {
		return c.initializeNodes()
	}

	if c.ec2 == nil {
		opts := []func(*config.LoadOptions) error{}
		if c.input.Region != "" {
			opts = append(opts, config.WithRegion(c.input.Region))
		}
		cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return fmt.Errorf("loading AWS config failed: %w", err)
		}
		c.ec2 = ec2.NewFromConfig(cfg)
		c.iam = iam.NewFromConfig(cfg)
	}

	err := c.provision()
	if err != nil {
		slog.Error("provisioning failed, deleting created resources", slog.String("cluster", c.input.Name), slog.String("error", err.Error()))
		return errors.Join(err, c.Cleanup())
	}
	return nil
}

// Creates the network, the optional instance profile and the instances, then runs the node setup.
func (c *ec2Cluster) provision() error {
	err := c.setUpNetwork()
	if err != nil {
		return err
	}
	if len(c.input.S3AccessBuckets) > 0 {
		err = c.setUpInstanceProfile()
		if err != nil {
			return err
		}
	}

	ips, err := c.launchInstances()
	if err != nil {
		return err
	}
	c.nodes = nil
	for _, ip := range ips {
		c.nodes = append(c.nodes, target.NewSSHTarget(c.input.User, ip, target.DefaultSSHPort, ssh.PublicKeys(c.signer)))
	}
	for _, node := range c.nodes {
		err = c.waitForTargetReachable(node)
		if err != nil {
			return err
		}
	}

	return c.initializeNodes()
}

func (c *ec2Cluster) setUpNetwork() error {
	ctx := context.Background()
	cidr := aws.String("10.0.0.0/16")
	vpc, err := c.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: cidr,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags:         []ec2Types.Tag{{Key: aws.String("Name"), Value: c.randString()}},
		}},
	})
	if err != nil {
		return err
	}
	c.vpcID = vpc.Vpc.VpcId
	slog.Debug("created VPC", slog.String("ID", *c.vpcID))

	// This must be done in two requests
	_, err = c.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            c.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = c.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              c.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := c.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{VpcId: c.vpcID, CidrBlock: cidr})
	if err != nil {
		return err
	}
	c.subnetID = subnet.Subnet.SubnetId
	slog.Debug("created subnet", slog.String("ID", *c.subnetID))

	igw, err := c.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	c.igwID = igw.InternetGateway.InternetGatewayId
	slog.Debug("created internet gateway", slog.String("ID", *c.igwID))

	_, err = c.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{InternetGatewayId: c.igwID, VpcId: c.vpcID})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := c.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{{Name: aws.String("vpc-id"), Values: []string{*c.vpcID}}},
	})
	if err != nil {
		return err
	}
	if len(routeTable.RouteTables) == 0 {
		return fmt.Errorf("VPC %s has no route table", *c.vpcID)
	}
	_, err = c.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTable.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            c.igwID,
	})
	if err != nil {
		return err
	}

	sg, err := c.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   c.randString(),
		Description: c.randString(),
		VpcId:       c.vpcID,
	})
	if err != nil {
		return err
	}
	c.sgID = sg.GroupId
	slog.Debug("created security group", slog.String("ID", *c.sgID))

	// SSH from anywhere, and everything between cluster members
	_, err = c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: c.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(22),
			},
			{
				IpProtocol:       aws.String("-1"),
				UserIdGroupPairs: []ec2Types.UserIdGroupPair{{GroupId: c.sgID}},
			},
		},
	})
	if err != nil {
		return err
	}

	keyPair, err := c.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   c.randString(),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return err
	}
	c.keyName = keyPair.KeyName
	c.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *c.keyID))
	c.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	return err
}

func (c *ec2Cluster) setUpInstanceProfile() error {
	ctx := context.Background()
	assumePolicyDoc, err := json.Marshal(ec2AssumeRolePolicy())
	if err != nil {
		return err
	}
	role, err := c.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 c.randString(),
		AssumeRolePolicyDocument: aws.String(string(assumePolicyDoc)),
		MaxSessionDuration:       aws.Int32(int32((12 * time.Hour).Seconds())),
	})
	if err != nil {
		return err
	}
	c.roleName = role.Role.RoleName
	slog.Debug("created role", slog.String("name", *c.roleName))

	policyDoc, err := json.Marshal(s3AccessPolicy(c.input.S3AccessBuckets))
	if err != nil {
		return err
	}
	c.roleInlinePolicyName = aws.String("inline")
	_, err = c.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       c.roleName,
		PolicyName:     c.roleInlinePolicyName,
		PolicyDocument: aws.String(string(policyDoc)),
	})
	if err != nil {
		return err
	}

	insProf, err := c.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{InstanceProfileName: c.randString()})
	if err != nil {
		return err
	}
	c.insProfName = insProf.InstanceProfile.InstanceProfileName
	slog.Debug("created instance profile", slog.String("name", *c.insProfName))

	_, err = c.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: c.insProfName,
		RoleName:            c.roleName,
	})
	if err != nil {
		return err
	}

	// IAM needs a few seconds to propagate the instance profile
	time.Sleep(10 * time.Second)
	return nil
}

// Launches all instances and returns their public IPs once every instance has one.
func (c *ec2Cluster) launchInstances() ([]string, error) {
	ctx := context.Background()
	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(int32(c.input.Count)),
		MaxCount:     aws.Int32(int32(c.input.Count)),
		EbsOptimized: aws.Bool(true),
		ImageId:      aws.String(c.input.ImageID),
		BlockDeviceMappings: []ec2Types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &ec2Types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(c.input.VolumeSizeGB)),
				VolumeType:          ec2Types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
				Encrypted:           aws.Bool(true),
			},
		}},
		InstanceType: ec2Types.InstanceType(c.input.InstanceType),
		KeyName:      c.keyName,
		NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   []string{*c.sgID},
			SubnetId:                 c.subnetID,
			DeleteOnTermination:      aws.Bool(true),
		}},
	}
	if c.insProfName != nil {
		input.IamInstanceProfile = &ec2Types.IamInstanceProfileSpecification{Name: c.insProfName}
	}

	var resp *ec2.RunInstancesOutput
	var err error
	for i := 0; i < 5; i++ {
		resp, err = c.ec2.RunInstances(ctx, input)
		if err == nil {
			break
		}
		slog.Debug("waiting to launch instances", slog.String("error", err.Error()))
		time.Sleep(60 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to launch instances: %w", err)
	}
	for _, instance := range resp.Instances {
		c.instanceIDs = append(c.instanceIDs, *instance.InstanceId)
		slog.Debug("launched instance", slog.String("instanceID", *instance.InstanceId))
	}

	if c.input.WaitToInitialize {
		err = c.waitForInstanceStatusOk()
		if err != nil {
			return nil, err
		}
	}

	for i := 0; i < 10; i++ {
		resp, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIDs})
		if err != nil {
			return nil, err
		}
		ips := []string{}
		for _, reservation := range resp.Reservations {
			for _, instance := range reservation.Instances {
				if instance.PublicIpAddress != nil {
					ips = append(ips, *instance.PublicIpAddress)
				}
			}
		}
		if len(ips) == len(c.instanceIDs) {
			return ips, nil
		}
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to get IPs of instances %v", c.instanceIDs)
}

func (c *ec2Cluster) waitForInstanceStatusOk() error {
	var err error
	for i := 0; i < 5; i++ {
		var status *ec2.DescribeInstanceStatusOutput
		status, err = c.ec2.DescribeInstanceStatus(context.Background(), &ec2.DescribeInstanceStatusInput{
			InstanceIds:         c.instanceIDs,
			IncludeAllInstances: aws.Bool(true),
		})
		if err == nil {
			ok := len(status.InstanceStatuses) == len(c.instanceIDs)
			for _, s := range status.InstanceStatuses {
				ok = ok && s.InstanceStatus.Status == ec2Types.SummaryStatusOk && s.SystemStatus.Status == ec2Types.SummaryStatusOk
			}
			if ok {
				return nil
			}
			slog.Debug("waiting for instances to finish initializing")
		} else {
			slog.Debug("waiting for instances to finish initializing", slog.String("error", err.Error()))
		}
		time.Sleep(60 * time.Second)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("timed out waiting for instances to finish initializing")
}

func (c *ec2Cluster) waitForTargetReachable(t target.Target) error {
	for i := 0; i < 6*5; i++ {
		buf, err := t.RunCommand("whoami")
		if err == nil && strings.TrimSpace(string(buf)) == c.input.User {
			return nil
		}
		if err != nil {
			slog.Debug("target reachability check failed", slog.String("target", t.GetAddress()), slog.String("error", err.Error()))
		}
		time.Sleep(10 * time.Second)
	}
	return fmt.Errorf("timed out waiting for %s to be reachable", t.GetAddress())
}

// Deletes everything Initialize created. Each failure is logged and cleanup continues with the next resource.
func (c *ec2Cluster) Cleanup() error {
	if c.ec2 == nil {
		return nil
	}
	ctx := context.Background()
	var errs []error
	fail := func(what string, err error) {
		slog.Error(what+" failed", slog.String("cluster", c.input.Name), slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s failed: %w", what, err))
	}

	if len(c.instanceIDs) > 0 {
		err := c.cleanupNodes()
		if err != nil {
			errs = append(errs, err)
		}
		for _, node := range c.nodes {
			if closer, ok := node.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}

		_, err = c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: c.instanceIDs})
		if err != nil {
			fail("TerminateInstances", err)
		} else {
			// The network can't be deleted while instances still use it
			waiter := ec2.NewInstanceTerminatedWaiter(c.ec2)
			err = waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIDs}, 10*time.Minute)
			if err != nil {
				fail("waiting for instances to terminate", err)
			}
		}
		c.instanceIDs = nil
		c.nodes = nil
	}

	if c.keyID != nil {
		_, err := c.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyPairId: c.keyID})
		if err != nil {
			fail("DeleteKeyPair", err)
		} else {
			slog.Debug("deleted key pair", slog.String("ID", *c.keyID))
		}
		c.keyID = nil
	}

	if c.insProfName != nil {
		_, err := c.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: c.insProfName,
			RoleName:            c.roleName,
		})
		if err != nil {
			slog.Debug("RemoveRoleFromInstanceProfile failed", slog.String("error", err.Error()))
		}
		_, err = c.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: c.insProfName})
		if err != nil {
			fail("DeleteInstanceProfile", err)
		}
		c.insProfName = nil
	}

	if c.roleName != nil {
		_, err := c.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: c.roleName, PolicyName: c.roleInlinePolicyName})
		if err != nil {
			slog.Debug("DeleteRolePolicy failed", slog.String("error", err.Error()))
		}
		_, err = c.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: c.roleName})
		if err != nil {
			fail("DeleteRole", err)
		}
		c.roleName = nil
	}

	if c.sgID != nil {
		_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: c.sgID})
		if err != nil {
			fail("DeleteSecurityGroup", err)
		}
		c.sgID = nil
	}

	if c.igwID != nil {
		_, err := c.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{VpcId: c.vpcID, InternetGatewayId: c.igwID})
		if err != nil {
			fail("DetachInternetGateway", err)
		}
		_, err = c.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: c.igwID})
		if err != nil {
			fail("DeleteInternetGateway", err)
		}
		c.igwID = nil
	}

	if c.subnetID != nil {
		_, err := c.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: c.subnetID})
		if err != nil {
			fail("DeleteSubnet", err)
		}
		c.subnetID = nil
	}

	if c.vpcID != nil {
		_, err := c.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: c.vpcID})
		if err != nil {
			fail("DeleteVpc", err)
		} else {
			slog.Debug("deleted VPC", slog.String("ID", *c.vpcID))
		}
		c.vpcID = nil
	}

	return errors.Join(errs...)
}

func (c *ec2Cluster) randString() *string {
	return aws.String(fmt.Sprintf("clusterbench-%s", util.Randstring(8)))
}
